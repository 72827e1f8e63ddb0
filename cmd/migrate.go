package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/registry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))

		// Bootstrap canonical variables when a seed file is configured.
		if cfg.Registry.SeedPath != "" {
			sf, err := registry.LoadSeedFile(cfg.Registry.SeedPath)
			if err != nil {
				return err
			}
			n, err := registry.New(st).Seed(cmd.Context(), sf)
			if err != nil {
				return err
			}
			zap.L().Info("variable registry seeded",
				zap.String("path", cfg.Registry.SeedPath),
				zap.Int("created", n),
			)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
