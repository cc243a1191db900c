package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"
	tmtime "github.com/tendermint/tendermint/types/time"

	cfg "towerbft/config"
	"towerbft/privval"
	"towerbft/types"
)

// InitFilesCmd initialises a fresh validator home: key, node key, genesis.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a validator home directory",
	RunE:  initFiles,
}

var (
	initStake   int64
	initBalance int64
)

func init() {
	InitFilesCmd.Flags().Int64Var(&initStake, "stake", 10, "stake assigned to this validator in genesis")
	InitFilesCmd.Flags().Int64Var(&initBalance, "balance", 1_000_000, "balance funded to this validator's account in genesis")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()
	privValStateFile := config.PrivValidatorStateFile()

	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile, privValStateFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		pv = privval.GenFilePV(privValKeyFile, privValStateFile)
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}

	pubKey, err := pv.GetPubKey()
	if err != nil {
		return fmt.Errorf("can't get pubkey: %w", err)
	}

	genDoc := types.GenesisDoc{
		ChainID:     fmt.Sprintf("tower-chain-%v", tmrand.Str(6)),
		GenesisTime: tmtime.Now(),
		InitialSlot: types.SlotZero,
		Validators: []types.GenesisValidator{{
			Address: types.Address(pubKey.Address()),
			PubKey:  pubKey,
			Stake:   initStake,
			Name:    config.Moniker,
		}},
		Accounts: []types.GenesisAccount{{
			Address: types.Address(pubKey.Address()),
			Balance: initBalance,
		}},
	}

	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)
	return nil
}
