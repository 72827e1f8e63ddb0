package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "taxrules-cli",
	Short: "Tax rule aggregation and calculation engine",
	Long:  "Reconciles extracted tax rule evidence into canonical per-date rules, manages the variable registry and conflict queue, and serves deterministic calculations with full audit breakdowns.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
