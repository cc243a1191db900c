package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "towerbft/cmd/commands"
	nm "towerbft/node"
)

const defaultHomeDir = ".towerbft"

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenValidatorCmd,
		cmd.GenNodeKeyCmd,
		cmd.ShowNodeIDCmd,
		cmd.GenGenesisCmd,
		cmd.NewRunNodeCmd(nm.DefaultNewNode),
		cli.NewCompletionCmd(rootCmd, true),
	)

	baseCmd := cli.PrepareBaseCmd(rootCmd, "TOWER", os.ExpandEnv(filepath.Join("$HOME", defaultHomeDir)))
	if err := baseCmd.Execute(); err != nil {
		panic(err)
	}
}
