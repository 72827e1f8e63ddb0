package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/calc"
	"github.com/revenuelab/taxrules-cli/internal/model"
)

var (
	calculateType  string
	calculateDate  string
	calculateInput string
)

var calculateCmd = &cobra.Command{
	Use:   "calculate",
	Short: "Run one calculation against the aggregated rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := model.RuleType(calculateType)
		if !rt.Valid() {
			return fmt.Errorf("unknown calculation type %q", calculateType)
		}
		target, err := parseTargetDate(calculateDate)
		if err != nil {
			return err
		}

		var input map[string]any
		if err := json.Unmarshal([]byte(calculateInput), &input); err != nil {
			return fmt.Errorf("invalid --input JSON: %w", err)
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		resp, err := calc.New(st, cfg.Calculation).Execute(cmd.Context(), calc.Request{
			RuleType:   rt,
			TargetDate: target,
			Input:      input,
		})
		if err != nil {
			errType, failedStep := model.ClassifyError(err)
			fmt.Printf("calculation failed: %s (step %s)\n", errType, failedStep)
			return err
		}

		fmt.Printf("execution %s (rule %s, schema v%d, validation %s)\n",
			resp.ExecutionID, resp.RuleID, resp.SchemaVersion, resp.ValidationStatus)
		for _, line := range resp.Breakdown {
			fmt.Printf("  %2d. %-40s %14.2f\n", line.Step, line.Label, line.Amount)
		}
		fmt.Printf("total: %.2f\n", resp.Result)
		return nil
	},
}

func init() {
	calculateCmd.Flags().StringVar(&calculateType, "type", "", "calculation type (e.g. paye)")
	calculateCmd.Flags().StringVar(&calculateDate, "date", "", "target date YYYY-MM-DD (default today)")
	calculateCmd.Flags().StringVar(&calculateInput, "input", "{}", "input variables as JSON")
	rootCmd.AddCommand(calculateCmd)
}
