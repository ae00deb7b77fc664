package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"marketsync/config"
	"marketsync/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "Kalshi market-state sync engine",
	Long: `marketsync keeps a local view of prediction markets in sync with Kalshi:
periodic REST snapshots plus a websocket stream of ticker and order book
updates, guarded by a kill switch and exposed over a small control API.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default resolves from APP_ENV)")
	rootCmd.AddCommand(runCmd, marketsCmd, versionCmd)
}

// loadConfig reads .env, the YAML file and configures the shared logger.
func loadConfig() (*config.Config, *logger.Log, error) {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return nil, nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
