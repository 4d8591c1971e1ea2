package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/app"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/config"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/logging"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:          "dailybalance",
	Short:        "Publish sub-account and merchant balances to Google Sheets",
	SilenceUsage: true,
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
		if cfg.Logging.Timezone == "" {
			cfg.Logging.Timezone = cfg.App.Timezone
		}

		if err := logging.SetTimezone(cfg.Logging.Timezone); err != nil {
			return err
		}
		logger := logging.NewLogger(cfg.Logging)
		logger.Debug().Str("build", version.String()).Str("environment", cfg.App.Environment).Msg("configuration loaded")
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(subaccountsCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
