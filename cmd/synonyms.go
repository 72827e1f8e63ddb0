package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/registry"
)

var (
	synonymsStatus string

	approveKey string
	approveBy  string
	rejectBy   string
)

var synonymsCmd = &cobra.Command{
	Use:   "synonyms",
	Short: "Review variable synonym proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		synonyms, err := st.ListSynonyms(cmd.Context(), model.SynonymStatus(synonymsStatus))
		if err != nil {
			return err
		}
		if len(synonyms) == 0 {
			fmt.Println("no synonyms")
			return nil
		}

		for _, syn := range synonyms {
			fmt.Printf("%s  %-30q -> %-25s confidence=%.2f proposals=%d\n",
				syn.ID, syn.RawTerm, syn.SuggestedKey, syn.Confidence, syn.ProposalCount)
		}
		return nil
	},
}

var synonymsApproveCmd = &cobra.Command{
	Use:   "approve <synonym-id>",
	Short: "Approve a synonym, binding it to a canonical variable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		syn, err := registry.New(st).ApproveSynonym(cmd.Context(), args[0], approveKey, approveBy)
		if err != nil {
			return err
		}
		fmt.Printf("synonym %q approved -> variable %s\n", syn.RawTerm, syn.VariableID)
		return nil
	},
}

var synonymsRejectCmd = &cobra.Command{
	Use:   "reject <synonym-id>",
	Short: "Reject a synonym proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		syn, err := registry.New(st).RejectSynonym(cmd.Context(), args[0], rejectBy)
		if err != nil {
			return err
		}
		fmt.Printf("synonym %q rejected\n", syn.RawTerm)
		return nil
	},
}

func init() {
	synonymsCmd.Flags().StringVar(&synonymsStatus, "status", "pending", "filter by status (pending, approved, rejected)")

	synonymsApproveCmd.Flags().StringVar(&approveKey, "variable-key", "", "canonical variable key to bind (default: suggested key)")
	synonymsApproveCmd.Flags().StringVar(&approveBy, "by", "", "reviewer identity")
	synonymsRejectCmd.Flags().StringVar(&rejectBy, "by", "", "reviewer identity")

	synonymsCmd.AddCommand(synonymsApproveCmd, synonymsRejectCmd)
	rootCmd.AddCommand(synonymsCmd)
}
