package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/validate"
)

var (
	validateTaxType  string
	validateDate     string
	validateFixtures string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Replay regression fixtures and promote passing rules to validated",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := model.RuleType(validateTaxType)
		if !rt.Valid() {
			return fmt.Errorf("unknown tax type %q", validateTaxType)
		}
		target, err := parseTargetDate(validateDate)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if validateFixtures != "" {
			f, err := validate.LoadFixtureFile(validateFixtures)
			if err != nil {
				return err
			}
			n, err := validate.ImportFixtures(cmd.Context(), st, f)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d fixtures from %s\n", n, validateFixtures)
		}

		report, err := validate.New(st, cfg.Calculation.OverflowCeiling).Validate(cmd.Context(), rt, target)
		if err != nil {
			return err
		}

		if report.TestCount == 0 {
			fmt.Printf("rule %s has no fixtures; validation status unchanged (%s)\n",
				report.RuleID, report.NewStatus)
			return nil
		}

		for _, r := range report.Results {
			mark := "PASS"
			if !r.Passed {
				mark = "FAIL"
			}
			fmt.Printf("  [%s] %-40s expected=%.2f actual=%.2f", mark, r.TestName, r.Expected, r.Actual)
			if r.Error != "" {
				fmt.Printf("  (%s)", r.Error)
			}
			fmt.Println()
		}
		fmt.Printf("%d/%d passed; rule %s is now %s\n",
			report.TestCount-report.FailCount, report.TestCount, report.RuleID, report.NewStatus)
		if report.FailCount > 0 {
			return fmt.Errorf("%d fixture(s) failed", report.FailCount)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateTaxType, "tax-type", "", "tax type to validate")
	validateCmd.Flags().StringVar(&validateDate, "date", "", "target date YYYY-MM-DD (default today)")
	validateCmd.Flags().StringVar(&validateFixtures, "fixtures", "", "fixture JSON file to import before validating")
	rootCmd.AddCommand(validateCmd)
}
