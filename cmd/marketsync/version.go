package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"marketsync/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the configured service name and version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			d := config.Default()
			cfg = &d
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", cfg.MarketSync.Name, cfg.MarketSync.Version)
		return nil
	},
}
