package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	tmflags "github.com/tendermint/tendermint/libs/cli/flags"
	"github.com/tendermint/tendermint/libs/log"

	cfg "towerbft/config"
)

var (
	config   = cfg.DefaultConfig()
	logger   = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	logLevel string
)

func init() {
	RootCmd.PersistentFlags().StringVar(&logLevel, "log_level", "info", "log level")
}

// ParseConfig retrieves the default config, overlays the config file and
// any flag/env overrides viper has collected, and validates the result.
func ParseConfig() (*cfg.Config, error) {
	conf := cfg.DefaultConfig()
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}
	conf.SetRoot(conf.RootDir)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCmd is the entry command. All subcommands see the parsed config.
var RootCmd = &cobra.Command{
	Use:   "towerbft",
	Short: "Tower BFT validator node",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		config, err = ParseConfig()
		if err != nil {
			return err
		}

		logger, err = tmflags.ParseLogLevel(logLevel, logger, "info")
		if err != nil {
			return err
		}
		logger = logger.With("module", "main")
		return nil
	},
}

// deprecateSnakeCase logs a warning when a snake_case alias is used.
func deprecateSnakeCase(cmd *cobra.Command, args []string) {
	if strings.Contains(cmd.CalledAs(), "_") {
		logger.Error("deprecated snake_case command name", "use", cmd.Use)
	}
}
