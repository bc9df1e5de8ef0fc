package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"whale-alerts/internal/app"
	"whale-alerts/internal/config"
	"whale-alerts/internal/logging"
)

var (
	cfgFile       string
	logLevel      string
	storageDriver string
	appHandle     *app.App
)

var rootCmd = &cobra.Command{
	Use:   "whalewatch",
	Short: "Watch subgraph liquidity events and alert on large mints and burns",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd == versionCmd {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if storageDriver != "" {
			cfg.Storage.Driver = storageDriver
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (default ./config.yaml, env WHALEWATCH_*)")
	rootCmd.PersistentFlags().StringVar(&storageDriver, "storage", "", "Override storage.driver (postgres, sqlite, csv, memory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("cli: app used before PersistentPreRunE")
	}
	return appHandle
}
