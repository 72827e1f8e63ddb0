package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/monitoring"
)

var statusLookback int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine health metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := monitoring.NewCollector(st).Collect(cmd.Context(), statusLookback)
		if err != nil {
			return err
		}

		fmt.Printf("aggregation runs (last %dh): %d total, %d completed, %d failed, %d active\n",
			snap.LookbackHours, snap.RunsTotal, snap.RunsCompleted, snap.RunsFailed, snap.RunsActive)
		if snap.RunsFailed > 0 {
			fmt.Printf("  failure rate: %.1f%%\n", snap.RunFailRate*100)
		}
		fmt.Printf("open conflicts:    %d\n", snap.OpenConflicts)
		fmt.Printf("pending synonyms:  %d\n", snap.PendingSynonyms)
		fmt.Printf("unresolved errors: %d\n", snap.UnresolvedCalcErrors)
		for errType, count := range snap.CalcErrorsByType {
			fmt.Printf("  %-25s %d\n", errType, count)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 24, "lookback window in hours")
	rootCmd.AddCommand(statusCmd)
}
