package validate

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// FixtureFile is the on-disk shape of a fixture batch. Fixtures attach to a
// rule by (rule_type, target_date) key rather than rule id so a batch stays
// valid across re-aggregation.
type FixtureFile struct {
	RuleType   model.RuleType `json:"rule_type"`
	TargetDate string         `json:"target_date"`
	Cases      []FixtureCase  `json:"cases"`
}

// FixtureCase is one named regression fixture.
type FixtureCase struct {
	TestName       string         `json:"test_name"`
	Input          map[string]any `json:"input"`
	ExpectedAmount float64        `json:"expected_amount"`
	ExpectedOutput map[string]any `json:"expected_output,omitempty"`
}

// LoadFixtureFile parses a fixture batch from disk.
func LoadFixtureFile(path string) (*FixtureFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "validate: read fixture file %s", path)
	}
	var f FixtureFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrapf(err, "validate: parse fixture file %s", path)
	}
	if !f.RuleType.Valid() {
		return nil, eris.Errorf("validate: fixture file %s has unknown rule type %q", path, f.RuleType)
	}
	if len(f.Cases) == 0 {
		return nil, eris.Errorf("validate: fixture file %s has no cases", path)
	}
	for _, c := range f.Cases {
		if c.TestName == "" {
			return nil, eris.Errorf("validate: fixture file %s has a case without test_name", path)
		}
	}
	return &f, nil
}

// ImportFixtures registers a fixture batch against the rule covering the
// batch key. Cases are upserted by test name so re-imports replace rather
// than duplicate.
func ImportFixtures(ctx context.Context, s store.Store, f *FixtureFile) (int, error) {
	target, err := time.Parse(store.DateLayout, f.TargetDate)
	if err != nil {
		return 0, eris.Wrapf(err, "validate: parse target date %q", f.TargetDate)
	}

	rule, err := s.GetAggregatedRule(ctx, f.RuleType, target)
	if err != nil {
		return 0, eris.Wrapf(err, "validate: no rule for %s on %s", f.RuleType, f.TargetDate)
	}

	for _, c := range f.Cases {
		_, err := s.CreateTestCase(ctx, model.RuleTestCase{
			RuleID:         rule.ID,
			TestName:       c.TestName,
			Input:          c.Input,
			ExpectedAmount: c.ExpectedAmount,
			ExpectedOutput: c.ExpectedOutput,
		})
		if err != nil {
			return 0, eris.Wrapf(err, "validate: import case %q", c.TestName)
		}
	}

	zap.L().Info("validate: fixtures imported",
		zap.String("rule_id", rule.ID),
		zap.String("rule_type", string(f.RuleType)),
		zap.Int("cases", len(f.Cases)),
	)
	return len(f.Cases), nil
}
