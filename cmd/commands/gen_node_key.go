package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/p2p"
)

// GenNodeKeyCmd generates the p2p identity key and prints the node ID.
var GenNodeKeyCmd = &cobra.Command{
	Use:     "gen-node-key",
	Aliases: []string{"gen_node_key"},
	Short:   "Generate a node key for this node and print its ID",
	PreRun:  deprecateSnakeCase,
	RunE:    genNodeKey,
}

func genNodeKey(cmd *cobra.Command, args []string) error {
	keyFile := config.NodeKeyFile()
	if tmos.FileExists(keyFile) {
		return fmt.Errorf("node key at %s already exists", keyFile)
	}

	nodeKey, err := p2p.LoadOrGenNodeKey(keyFile)
	if err != nil {
		return fmt.Errorf("failed to generate node key: %w", err)
	}
	fmt.Println(nodeKey.ID())
	return nil
}
