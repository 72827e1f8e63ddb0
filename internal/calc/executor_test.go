package calc

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenuelab/taxrules-cli/internal/config"
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

func testCalcConfig() config.CalculationConfig {
	return config.CalculationConfig{
		OverflowCeiling: 1e15,
		TimeoutSecs:     5,
		MaxRetries:      2,
	}
}

func seedVariables(t *testing.T, s store.Store, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_, err := s.CreateVariable(context.Background(), model.CanonicalVariable{
			Key:      key,
			Label:    key,
			DataType: model.DataTypeNumber,
			Active:   true,
		})
		require.NoError(t, err)
	}
}

func seedRule(t *testing.T, s store.Store, rule *model.AggregatedRule) *model.AggregatedRule {
	t.Helper()
	if rule.RuleType == "" {
		rule.RuleType = model.RuleTypePAYE
	}
	if rule.TargetDate.IsZero() {
		rule.TargetDate = testDate
	}
	if rule.SchemaVersion == 0 {
		rule.SchemaVersion = 1
	}
	if rule.ValidationStatus == "" {
		rule.ValidationStatus = model.ValidationPending
	}
	require.NoError(t, s.SaveAggregatedRule(context.Background(), rule))
	return rule
}

func payeRule() *model.AggregatedRule {
	return &model.AggregatedRule{
		Data:     model.RuleData{Bracket: &model.BracketData{Brackets: payeBrackets()}},
		Brackets: payeBrackets(),
		Formulas: []model.RuleFormula{
			{Expression: "gross_income - personal_relief", OutputVariable: "taxable_income", CalculationOrder: 1, Status: model.FormulaActive},
			{Expression: "bracket(taxable_income)", OutputVariable: "tax_due", CalculationOrder: 2, Status: model.FormulaActive},
		},
	}
}

func TestExecute_FormulaChainWithBrackets(t *testing.T) {
	s := newTestStore(t)
	seedVariables(t, s, "gross_income", "personal_relief")
	seedRule(t, s, payeRule())
	exec := New(s, testCalcConfig())

	resp, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Input:      map[string]any{"gross_income": 1100000.0, "personal_relief": 100000.0},
	})
	require.NoError(t, err)

	assert.Equal(t, model.ExecCompleted, resp.State)
	assert.InDelta(t, 45000.0, resp.Result, 0.001)
	assert.Equal(t, model.ValidationPending, resp.ValidationStatus)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.NotEmpty(t, resp.RuleID)

	// taxable_income, two bracket slices, tax_due.
	require.Len(t, resp.Breakdown, 4)
	assert.Equal(t, "taxable_income", resp.Breakdown[0].Variable)
	assert.InDelta(t, 1000000.0, resp.Breakdown[0].Amount, 0.001)
	assert.InDelta(t, 15000.0, resp.Breakdown[1].Amount, 0.001)
	assert.InDelta(t, 30000.0, resp.Breakdown[2].Amount, 0.001)
	assert.Equal(t, "tax_due", resp.Breakdown[3].Variable)
	assert.InDelta(t, 45000.0, resp.Breakdown[3].Amount, 0.001)
	for i, line := range resp.Breakdown {
		assert.Equal(t, i+1, line.Step)
	}

	audit, err := s.GetAuditByExecution(context.Background(), resp.ExecutionID)
	require.NoError(t, err)
	assert.InDelta(t, 45000.0, audit.FinalAmount, 0.001)
	assert.Len(t, audit.Breakdown, 4)
}

func TestExecute_BracketOnlyRuleUsesDefaultFormula(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, &model.AggregatedRule{
		Data:     model.RuleData{Bracket: &model.BracketData{Brackets: payeBrackets()}},
		Brackets: payeBrackets(),
	})
	exec := New(s, testCalcConfig())

	resp, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Input:      map[string]any{"taxable_income": 600000},
	})
	require.NoError(t, err)
	assert.InDelta(t, 6000.0, resp.Result, 0.001)
}

func TestExecute_NegativeResultFlooredAtZero(t *testing.T) {
	s := newTestStore(t)
	seedVariables(t, s, "gross_income", "deduction")
	seedRule(t, s, &model.AggregatedRule{
		Data: model.RuleData{Deduction: &model.AmountData{Amount: 50000}},
		Formulas: []model.RuleFormula{
			{Expression: "gross_income - deduction", OutputVariable: "net_due", CalculationOrder: 1, Status: model.FormulaActive},
		},
	})
	exec := New(s, testCalcConfig())

	resp, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Input:      map[string]any{"gross_income": 1000.0, "deduction": 5000.0},
	})
	require.NoError(t, err)
	assert.Zero(t, resp.Result)
	last := resp.Breakdown[len(resp.Breakdown)-1]
	assert.Equal(t, "floor at zero", last.Label)
}

func TestExecute_MissingInputRecordsError(t *testing.T) {
	s := newTestStore(t)
	seedVariables(t, s, "gross_income", "personal_relief")
	seedRule(t, s, payeRule())
	exec := New(s, testCalcConfig())

	_, err := exec.Execute(context.Background(), Request{
		ExecutionID: "exec-missing-input",
		RuleType:    model.RuleTypePAYE,
		TargetDate:  testDate,
		Input:       map[string]any{"gross_income": 1100000.0},
	})
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrVariableMissing, errType)
	assert.Equal(t, "resolving_variables", step)

	rows, err := s.ListCalcErrors(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "exec-missing-input", rows[0].ExecutionID)
	assert.Equal(t, model.ErrVariableMissing, rows[0].ErrorType)
	assert.Equal(t, "resolving_variables", rows[0].FailedStep)
	assert.Zero(t, rows[0].RetryCount)
}

func TestExecute_NoRuleForDate(t *testing.T) {
	s := newTestStore(t)
	exec := New(s, testCalcConfig())

	_, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypeVAT,
		TargetDate: testDate,
		Input:      map[string]any{},
	})
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
	assert.Equal(t, "loading_rule", step)
}

func TestExecute_UnknownRuleType(t *testing.T) {
	s := newTestStore(t)
	exec := New(s, testCalcConfig())

	_, err := exec.Execute(context.Background(), Request{
		RuleType: model.RuleType("stamp_duty"),
		Input:    map[string]any{},
	})
	require.Error(t, err)
	errType, _ := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
}

func TestExecute_AuditIdempotentPerExecutionID(t *testing.T) {
	s := newTestStore(t)
	seedVariables(t, s, "gross_income", "personal_relief")
	seedRule(t, s, payeRule())
	exec := New(s, testCalcConfig())

	req := Request{
		ExecutionID: "exec-repeat",
		RuleType:    model.RuleTypePAYE,
		TargetDate:  testDate,
		Input:       map[string]any{"gross_income": 1100000.0, "personal_relief": 100000.0},
	}
	first, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Result, second.Result)

	audit, err := s.GetAuditByExecution(context.Background(), "exec-repeat")
	require.NoError(t, err)
	assert.InDelta(t, 45000.0, audit.FinalAmount, 0.001)
}

func TestExecute_OverflowClassified(t *testing.T) {
	s := newTestStore(t)
	seedVariables(t, s, "amount", "divisor")
	seedRule(t, s, &model.AggregatedRule{
		Data: model.RuleData{Rate: &model.RateData{Rate: 0}},
		Formulas: []model.RuleFormula{
			{Expression: "amount / divisor", OutputVariable: "ratio", CalculationOrder: 1, Status: model.FormulaActive},
		},
	})
	exec := New(s, testCalcConfig())

	_, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Input:      map[string]any{"amount": 1.0, "divisor": 0.0},
	})
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrOverflow, errType)
	assert.Equal(t, "evaluating", step)
}

func TestExecute_UnregisteredFormulaVariableFails(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, &model.AggregatedRule{
		Data: model.RuleData{Rate: &model.RateData{Rate: 0.02}},
		Formulas: []model.RuleFormula{
			{Expression: "special_levy_base * 2", OutputVariable: "levy_due", CalculationOrder: 1, Status: model.FormulaActive},
		},
	})
	exec := New(s, testCalcConfig())

	// A matching key in the input does not bypass the registry gate.
	_, err := exec.Execute(context.Background(), Request{
		ExecutionID: "exec-unregistered",
		RuleType:    model.RuleTypePAYE,
		TargetDate:  testDate,
		Input:       map[string]any{"special_levy_base": 21.0},
	})
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrVariableMissing, errType)
	assert.Equal(t, "dependency_resolution", step)

	seedVariables(t, s, "special_levy_base")
	resp, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Input:      map[string]any{"special_levy_base": 21.0},
	})
	require.NoError(t, err)
	assert.InDelta(t, 42.0, resp.Result, 0.001)
}

func TestExecute_UsesRuleInEffectOnLaterDate(t *testing.T) {
	s := newTestStore(t)
	seedVariables(t, s, "gross_income", "personal_relief")
	seedRule(t, s, payeRule())
	exec := New(s, testCalcConfig())

	// A month after aggregation the rule is still the one in effect.
	resp, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate.AddDate(0, 1, 0),
		Input:      map[string]any{"gross_income": 1100000.0, "personal_relief": 100000.0},
	})
	require.NoError(t, err)
	assert.InDelta(t, 45000.0, resp.Result, 0.001)

	// Dates before the rule's target date stay uncovered.
	_, err = exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate.AddDate(0, 0, -1),
		Input:      map[string]any{"gross_income": 1100000.0, "personal_relief": 100000.0},
	})
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
	assert.Equal(t, "loading_rule", step)
}

// flakyRuleStore fails rule lookups a fixed number of times before
// delegating to the wrapped store.
type flakyRuleStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyRuleStore) GetAggregatedRule(ctx context.Context, rt model.RuleType, target time.Time) (*model.AggregatedRule, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, eris.New("database is locked")
	}
	return f.Store.GetAggregatedRule(ctx, rt, target)
}

func TestExecute_TransientRuleLoadRetried(t *testing.T) {
	s := newTestStore(t)
	seedRule(t, s, &model.AggregatedRule{
		Data:     model.RuleData{Bracket: &model.BracketData{Brackets: payeBrackets()}},
		Brackets: payeBrackets(),
	})
	flaky := &flakyRuleStore{Store: s, failures: 2}

	cfg := testCalcConfig()
	cfg.MaxRetries = 3
	exec := New(flaky, cfg)

	resp, err := exec.Execute(context.Background(), Request{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Input:      map[string]any{"taxable_income": 600000.0},
	})
	require.NoError(t, err)
	assert.InDelta(t, 6000.0, resp.Result, 0.001)
	assert.Equal(t, 3, flaky.calls)
}

func TestExecute_RecordsActualRetryCount(t *testing.T) {
	s := newTestStore(t)
	flaky := &flakyRuleStore{Store: s, failures: 100}
	exec := New(flaky, testCalcConfig())

	_, err := exec.Execute(context.Background(), Request{
		ExecutionID: "exec-exhausted",
		RuleType:    model.RuleTypePAYE,
		TargetDate:  testDate,
		Input:       map[string]any{"taxable_income": 600000.0},
	})
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrDatabase, errType)
	assert.Equal(t, "loading_rule", step)

	// MaxRetries of 2 means two attempts total, so one retry was made.
	assert.Equal(t, 2, flaky.calls)
	rows, err := s.ListCalcErrors(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "exec-exhausted", rows[0].ExecutionID)
	assert.Equal(t, 1, rows[0].RetryCount)
}

func TestEvaluate_ContextCancellation(t *testing.T) {
	rule := payeRule()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Evaluate(ctx, rule, map[string]any{
		"gross_income": 1100000.0, "personal_relief": 100000.0,
	}, 1e15, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEvaluate_IntegerInputsCoerced(t *testing.T) {
	rule := payeRule()
	total, _, err := Evaluate(context.Background(), rule, map[string]any{
		"gross_income": 1100000, "personal_relief": 100000,
	}, 1e15, nil)
	require.NoError(t, err)
	assert.InDelta(t, 45000.0, total, 0.001)
}

func TestEvaluate_RuleWithoutFormulasOrBrackets(t *testing.T) {
	rule := &model.AggregatedRule{Data: model.RuleData{}}
	_, _, err := Evaluate(context.Background(), rule, map[string]any{}, 1e15, nil)
	require.Error(t, err)
	errType, _ := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
}
