package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

var testDate = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func fptr(v float64) *float64 { return &v }

func seedPayeRule(t *testing.T, s store.Store) *model.AggregatedRule {
	t.Helper()
	brackets := []model.TaxBracket{
		{MinIncome: 0, MaxIncome: fptr(500000), Rate: 0, BracketOrder: 1},
		{MinIncome: 500001, MaxIncome: fptr(750000), Rate: 0.06, BracketOrder: 2},
		{MinIncome: 750001, MaxIncome: fptr(1500000), Rate: 0.12, FixedAmount: 15000, BracketOrder: 3},
		{MinIncome: 1500001, MaxIncome: nil, Rate: 0.18, FixedAmount: 105000, BracketOrder: 4},
	}
	rule := &model.AggregatedRule{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Data:       model.RuleData{Bracket: &model.BracketData{Brackets: brackets}},
		Brackets:   brackets,
		Formulas: []model.RuleFormula{
			{Expression: "bracket(taxable_income)", OutputVariable: "tax_due", CalculationOrder: 1, Status: model.FormulaActive},
		},
		SchemaVersion:    1,
		ValidationStatus: model.ValidationPending,
	}
	require.NoError(t, s.SaveAggregatedRule(context.Background(), rule))
	return rule
}

func addCase(t *testing.T, s store.Store, ruleID, name string, income, expected float64) {
	t.Helper()
	_, err := s.CreateTestCase(context.Background(), model.RuleTestCase{
		RuleID:         ruleID,
		TestName:       name,
		Input:          map[string]any{"taxable_income": income},
		ExpectedAmount: expected,
	})
	require.NoError(t, err)
}

func TestValidate_AllFixturesPassPromotes(t *testing.T) {
	s := newTestStore(t)
	rule := seedPayeRule(t, s)
	addCase(t, s, rule.ID, "free bracket", 400000, 0)
	addCase(t, s, rule.ID, "second bracket", 600000, 6000)
	addCase(t, s, rule.ID, "third bracket", 1000000, 45000)

	h := New(s, 1e15)
	report, err := h.Validate(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)

	assert.True(t, report.Promoted)
	assert.Equal(t, model.ValidationValidated, report.NewStatus)
	assert.Equal(t, 3, report.TestCount)
	assert.Zero(t, report.FailCount)

	stored, err := s.GetAggregatedRule(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationValidated, stored.ValidationStatus)
}

func TestValidate_MismatchBlocksAndReportsByName(t *testing.T) {
	s := newTestStore(t)
	rule := seedPayeRule(t, s)
	addCase(t, s, rule.ID, "correct case", 600000, 6000)
	addCase(t, s, rule.ID, "stale expectation", 1000000, 52500)

	h := New(s, 1e15)
	report, err := h.Validate(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)

	assert.False(t, report.Promoted)
	assert.Equal(t, model.ValidationFailed, report.NewStatus)
	assert.Equal(t, 1, report.FailCount)

	byName := map[string]TestResult{}
	for _, r := range report.Results {
		byName[r.TestName] = r
	}
	assert.True(t, byName["correct case"].Passed)
	failed := byName["stale expectation"]
	assert.False(t, failed.Passed)
	assert.InDelta(t, 45000.0, failed.Actual, 0.001)

	stored, err := s.GetAggregatedRule(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationFailed, stored.ValidationStatus)
}

func TestValidate_FixtureErrorCountsAsFailure(t *testing.T) {
	s := newTestStore(t)
	rule := seedPayeRule(t, s)
	_, err := s.CreateTestCase(context.Background(), model.RuleTestCase{
		RuleID:         rule.ID,
		TestName:       "missing input",
		Input:          map[string]any{},
		ExpectedAmount: 0,
	})
	require.NoError(t, err)

	h := New(s, 1e15)
	report, err := h.Validate(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)

	assert.Equal(t, 1, report.FailCount)
	assert.Equal(t, model.ValidationFailed, report.NewStatus)
	require.Len(t, report.Results, 1)
	assert.NotEmpty(t, report.Results[0].Error)
}

func TestValidate_UnregisteredFormulaVariableFailsReplay(t *testing.T) {
	s := newTestStore(t)
	rule := &model.AggregatedRule{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Data:       model.RuleData{Rate: &model.RateData{Rate: 0.02}},
		Formulas: []model.RuleFormula{
			{Expression: "special_levy_base * 2", OutputVariable: "levy_due", CalculationOrder: 1, Status: model.FormulaActive},
		},
		SchemaVersion:    1,
		ValidationStatus: model.ValidationPending,
	}
	require.NoError(t, s.SaveAggregatedRule(context.Background(), rule))
	_, err := s.CreateTestCase(context.Background(), model.RuleTestCase{
		RuleID:         rule.ID,
		TestName:       "doubled base",
		Input:          map[string]any{"special_levy_base": 21.0},
		ExpectedAmount: 42,
	})
	require.NoError(t, err)

	// The replay applies the same registry gate as live calculation, so a
	// fixture cannot validate a rule referencing an unregistered term.
	h := New(s, 1e15)
	report, err := h.Validate(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationFailed, report.NewStatus)
	require.Len(t, report.Results, 1)
	assert.Contains(t, report.Results[0].Error, "special_levy_base")

	// Registering the variable lets the same fixture pass.
	_, err = s.CreateVariable(context.Background(), model.CanonicalVariable{
		Key: "special_levy_base", Label: "Special levy base", DataType: model.DataTypeNumber, Active: true,
	})
	require.NoError(t, err)
	report, err = h.Validate(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)
	assert.True(t, report.Promoted)
}

func TestValidate_NoFixturesStaysPending(t *testing.T) {
	s := newTestStore(t)
	seedPayeRule(t, s)

	h := New(s, 1e15)
	report, err := h.Validate(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)

	assert.False(t, report.Promoted)
	assert.Zero(t, report.TestCount)
	assert.Equal(t, model.ValidationPending, report.NewStatus)

	stored, err := s.GetAggregatedRule(context.Background(), model.RuleTypePAYE, testDate)
	require.NoError(t, err)
	assert.Equal(t, model.ValidationPending, stored.ValidationStatus)
}

func TestValidate_NoRuleForKey(t *testing.T) {
	s := newTestStore(t)
	h := New(s, 1e15)
	_, err := h.Validate(context.Background(), model.RuleTypeVAT, testDate)
	require.Error(t, err)
}

func TestLoadFixtureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paye.json")
	body := `{
		"rule_type": "paye",
		"target_date": "2025-04-01",
		"cases": [
			{"test_name": "second bracket", "input": {"taxable_income": 600000}, "expected_amount": 6000}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, err := LoadFixtureFile(path)
	require.NoError(t, err)
	assert.Equal(t, model.RuleTypePAYE, f.RuleType)
	require.Len(t, f.Cases, 1)
	assert.Equal(t, "second bracket", f.Cases[0].TestName)
	assert.InDelta(t, 6000.0, f.Cases[0].ExpectedAmount, 1e-9)
}

func TestLoadFixtureFile_Rejections(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"unknown rule type", `{"rule_type": "stamp_duty", "target_date": "2025-04-01", "cases": [{"test_name": "a"}]}`},
		{"no cases", `{"rule_type": "paye", "target_date": "2025-04-01", "cases": []}`},
		{"unnamed case", `{"rule_type": "paye", "target_date": "2025-04-01", "cases": [{"input": {}}]}`},
		{"bad json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := LoadFixtureFile(path)
			require.Error(t, err)
		})
	}
}

func TestImportFixtures_UpsertsByName(t *testing.T) {
	s := newTestStore(t)
	rule := seedPayeRule(t, s)

	f := &FixtureFile{
		RuleType:   model.RuleTypePAYE,
		TargetDate: "2025-04-01",
		Cases: []FixtureCase{
			{TestName: "second bracket", Input: map[string]any{"taxable_income": 600000.0}, ExpectedAmount: 6000},
		},
	}
	n, err := ImportFixtures(context.Background(), s, f)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.Cases[0].ExpectedAmount = 6001
	_, err = ImportFixtures(context.Background(), s, f)
	require.NoError(t, err)

	cases, err := s.ListTestCases(context.Background(), rule.ID)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.InDelta(t, 6001.0, cases[0].ExpectedAmount, 1e-9)
}

func TestImportFixtures_NoRule(t *testing.T) {
	s := newTestStore(t)
	f := &FixtureFile{
		RuleType:   model.RuleTypeVAT,
		TargetDate: "2025-04-01",
		Cases:      []FixtureCase{{TestName: "x", Input: map[string]any{}}},
	}
	_, err := ImportFixtures(context.Background(), s, f)
	require.Error(t, err)
}
