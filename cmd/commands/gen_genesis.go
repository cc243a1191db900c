package commands

import (
	"fmt"
	"io/ioutil"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmtime "github.com/tendermint/tendermint/types/time"

	"towerbft/privval"
	"towerbft/types"
)

var (
	chainID      string
	genesisStake int64
	genesisFund  int64
)

// GenGenesisCmd builds a cluster genesis from a list of validator key
// files, funding each validator's account.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate a genesis file from validator key files",
	Args:    cobra.MinimumNArgs(1),
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "tower-chain", "chain name")
	GenGenesisCmd.Flags().Int64Var(&genesisStake, "stake", 10, "stake per validator")
	GenGenesisCmd.Flags().Int64Var(&genesisFund, "fund", 1_000_000, "initial balance per validator account")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file, exit", "path", genFile)
		return nil
	}

	validators := make([]types.GenesisValidator, 0, len(args))
	accounts := make([]types.GenesisAccount, 0, len(args))
	for i, keyFile := range args {
		keyJSONBytes, err := ioutil.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("cannot read validator key %v: %w", keyFile, err)
		}
		var pvKey privval.FilePVKey
		if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
			return fmt.Errorf("cannot parse validator key %v: %w", keyFile, err)
		}

		addr := types.Address(pvKey.PubKey.Address())
		validators = append(validators, types.GenesisValidator{
			Address: addr,
			PubKey:  pvKey.PubKey,
			Stake:   genesisStake,
			Name:    fmt.Sprintf("validator-%v", i+1),
		})
		accounts = append(accounts, types.GenesisAccount{
			Address: addr,
			Balance: genesisFund,
		})
	}

	genDoc := types.GenesisDoc{
		ChainID:     chainID,
		GenesisTime: tmtime.Now(),
		InitialSlot: types.SlotZero,
		Validators:  validators,
		Accounts:    accounts,
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "validators", len(validators))
	return nil
}
