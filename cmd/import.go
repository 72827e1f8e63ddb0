package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/revenuelab/taxrules-cli/internal/ingest"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/registry"
	"github.com/revenuelab/taxrules-cli/internal/validate"
)

var (
	bracketsTaxType   string
	bracketsDate      string
	bracketsSheet     string
	bracketsDoc       string
	bracketsAuthority string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import evidence, bracket tables, variables, synonym proposals, and test cases",
}

var importEvidenceCmd = &cobra.Command{
	Use:   "evidence <file.json>",
	Short: "Import a JSON evidence batch from the extraction pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := ingest.LoadEvidenceFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := ingest.ImportEvidence(cmd.Context(), st, f)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d evidence rules\n", n)
		return nil
	},
}

var importBracketsCmd = &cobra.Command{
	Use:   "brackets <file.xlsx>",
	Short: "Import a published bracket table as an evidence rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := model.RuleType(bracketsTaxType)
		if !rt.Valid() {
			return fmt.Errorf("unknown tax type %q", bracketsTaxType)
		}
		authority := model.SourceAuthority(bracketsAuthority)
		if !authority.Valid() {
			return fmt.Errorf("unknown source authority %q", bracketsAuthority)
		}
		effective, err := parseTargetDate(bracketsDate)
		if err != nil {
			return err
		}

		brackets, err := ingest.ReadBracketSheet(args[0], ingest.XLSXOptions{SheetName: bracketsSheet})
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		rule, err := st.CreateEvidenceRule(cmd.Context(), model.EvidenceRule{
			RuleType:         rt,
			Category:         model.CategoryBracket,
			Data:             model.RuleData{Bracket: &model.BracketData{Brackets: brackets}},
			DocumentID:       bracketsDoc,
			ChunkConfidence:  1.0,
			SourceAuthority:  authority,
			EffectiveDate:    effective,
			ValidationStatus: model.ValidationPending,
		})
		if err != nil {
			return err
		}
		fmt.Printf("imported %d brackets as evidence rule %s\n", len(brackets), rule.ID)
		return nil
	},
}

var importVariablesCmd = &cobra.Command{
	Use:   "variables <file.yaml>",
	Short: "Seed canonical variables from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sf, err := registry.LoadSeedFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := registry.New(st).Seed(cmd.Context(), sf)
		if err != nil {
			return err
		}
		fmt.Printf("created %d variables (%d already present)\n", n, len(sf.Variables)-n)
		return nil
	},
}

var importSynonymsCmd = &cobra.Command{
	Use:   "synonyms <file.json>",
	Short: "Import a synonym proposal batch for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := ingest.LoadProposalFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := registry.New(st).ProposeSynonyms(cmd.Context(), f.Proposals)
		if err != nil {
			return err
		}
		fmt.Printf("queued %d synonym proposals for review\n", n)
		return nil
	},
}

var importTestCasesCmd = &cobra.Command{
	Use:   "testcases <file.json>",
	Short: "Import regression fixtures for an aggregated rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := validate.LoadFixtureFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := validate.ImportFixtures(cmd.Context(), st, f)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d test cases for %s %s\n", n, f.RuleType, f.TargetDate)
		return nil
	},
}

func init() {
	importBracketsCmd.Flags().StringVar(&bracketsTaxType, "tax-type", "", "tax type the table belongs to")
	importBracketsCmd.Flags().StringVar(&bracketsDate, "effective-date", "", "effective date YYYY-MM-DD (default today)")
	importBracketsCmd.Flags().StringVar(&bracketsSheet, "sheet", "", "sheet name (default first sheet)")
	importBracketsCmd.Flags().StringVar(&bracketsDoc, "document-id", "", "source document identifier")
	importBracketsCmd.Flags().StringVar(&bracketsAuthority, "authority", "gazette", "source authority (act, gazette, regulation, ...)")

	importCmd.AddCommand(importEvidenceCmd, importBracketsCmd, importVariablesCmd, importSynonymsCmd, importTestCasesCmd)
	rootCmd.AddCommand(importCmd)
}
