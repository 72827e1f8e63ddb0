package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

var (
	conflictsTaxType string
	conflictsStatus  string
	conflictsLimit   int

	resolveStatus     string
	resolveResolution string
	resolveBy         string
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List and resolve rule conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		filter := store.ConflictFilter{Limit: conflictsLimit}
		if conflictsTaxType != "" {
			rt := model.RuleType(conflictsTaxType)
			if !rt.Valid() {
				return fmt.Errorf("unknown tax type %q", conflictsTaxType)
			}
			filter.RuleType = rt
		}
		if conflictsStatus != "" {
			filter.Status = model.ConflictStatus(conflictsStatus)
		}

		conflicts, err := st.ListConflicts(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("no conflicts")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %-12s %-10s %-12s %s\n",
				c.ID, c.RuleType, c.Aspect, c.Status, c.Details.Summary)
			for _, cand := range c.Details.Candidates {
				fmt.Printf("    %s  %-10s %s\n",
					cand.EvidenceRuleID, cand.SourceAuthority, cand.Value)
			}
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve or dismiss a conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.ConflictStatus(resolveStatus)
		if status != model.ConflictResolved && status != model.ConflictDismissed && status != model.ConflictUnderReview {
			return fmt.Errorf("status must be resolved, dismissed, or under_review")
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.ResolveConflict(cmd.Context(), args[0], status, resolveResolution, resolveBy); err != nil {
			return err
		}
		fmt.Printf("conflict %s marked %s\n", args[0], status)
		return nil
	},
}

func init() {
	conflictsCmd.Flags().StringVar(&conflictsTaxType, "tax-type", "", "filter by tax type")
	conflictsCmd.Flags().StringVar(&conflictsStatus, "status", "open", "filter by status (open, under_review, resolved, dismissed)")
	conflictsCmd.Flags().IntVar(&conflictsLimit, "limit", 50, "maximum conflicts to list")

	conflictsResolveCmd.Flags().StringVar(&resolveStatus, "status", "resolved", "new status")
	conflictsResolveCmd.Flags().StringVar(&resolveResolution, "resolution", "", "resolution notes, may name the winning evidence rule id")
	conflictsResolveCmd.Flags().StringVar(&resolveBy, "by", "", "reviewer identity")

	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
