package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/aggregate"
	"github.com/revenuelab/taxrules-cli/internal/model"
)

var (
	preflightTaxType string
	preflightDate    string
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check whether a key is ready to aggregate and calculate",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := model.RuleType(preflightTaxType)
		if !rt.Valid() {
			return fmt.Errorf("unknown tax type %q", preflightTaxType)
		}
		target, err := parseTargetDate(preflightDate)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		pf, err := aggregate.Preflight(cmd.Context(), st, rt, target)
		if err != nil {
			return err
		}

		fmt.Printf("%s %s: %s\n", pf.RuleType, pf.TargetDate.Format("2006-01-02"), pf.Status)
		fmt.Printf("  evidence rules:   %d\n", pf.EvidenceCount)
		fmt.Printf("  aggregated rules: %d\n", pf.AggregatedCount)
		for _, b := range pf.Blockers {
			fmt.Printf("  blocker: %s\n", b)
		}
		return nil
	},
}

func init() {
	preflightCmd.Flags().StringVar(&preflightTaxType, "tax-type", "", "tax type to check")
	preflightCmd.Flags().StringVar(&preflightDate, "date", "", "target date YYYY-MM-DD (default today)")
	rootCmd.AddCommand(preflightCmd)
}
