package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/aggregate"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

var (
	aggregateTaxType string
	aggregateDate    string
	aggregateAll     bool
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Reconcile evidence rules into canonical aggregated rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := parseTargetDate(aggregateDate)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		engine := aggregate.New(st, cfg.Aggregation)

		if aggregateAll {
			results, err := engine.RunAll(cmd.Context(), target)
			if err != nil {
				return err
			}
			for _, kr := range results {
				switch {
				case kr.Skipped:
					fmt.Printf("%-12s skipped (no evidence)\n", kr.RuleType)
				case kr.Err != nil:
					fmt.Printf("%-12s failed: %v\n", kr.RuleType, kr.Err)
				default:
					fmt.Printf("%-12s %s  inputs=%d conflicts=%d\n",
						kr.RuleType, kr.Result.Run.Status,
						kr.Result.Run.InputsCount, len(kr.Result.NewConflicts))
				}
			}
			return nil
		}

		rt := model.RuleType(aggregateTaxType)
		if !rt.Valid() {
			return fmt.Errorf("unknown tax type %q", aggregateTaxType)
		}

		res, err := engine.Run(cmd.Context(), rt, target)
		if errors.Is(err, store.ErrRunActive) {
			return fmt.Errorf("an aggregation run is already active for %s on %s", rt, aggregateDate)
		}
		if err != nil {
			return err
		}

		fmt.Printf("run %s: %s\n", res.Run.ID, res.Run.Status)
		fmt.Printf("  evidence rules: %d\n", res.Run.InputsCount)
		fmt.Printf("  new conflicts:  %d\n", len(res.NewConflicts))
		for _, c := range res.NewConflicts {
			fmt.Printf("    [%s] %s\n", c.Aspect, c.Details.Summary)
		}
		if res.Rule != nil {
			fmt.Printf("  rule %s (schema v%d, validation %s)\n",
				res.Rule.ID, res.Rule.SchemaVersion, res.Rule.ValidationStatus)
		}
		return nil
	},
}

// parseTargetDate accepts YYYY-MM-DD or defaults to today (UTC).
func parseTargetDate(s string) (time.Time, error) {
	if s == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(store.DateLayout, s)
	if err != nil {
		zap.L().Debug("date parse failed", zap.String("input", s))
		return time.Time{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

func init() {
	aggregateCmd.Flags().StringVar(&aggregateTaxType, "tax-type", "", "tax type to aggregate (e.g. paye, vat)")
	aggregateCmd.Flags().StringVar(&aggregateDate, "date", "", "target date YYYY-MM-DD (default today)")
	aggregateCmd.Flags().BoolVar(&aggregateAll, "all", false, "aggregate every tax type with evidence")
	rootCmd.AddCommand(aggregateCmd)
}
