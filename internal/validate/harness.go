package validate

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/calc"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// amountTolerance bounds the accepted difference between an expected fixture
// amount and the replayed result.
const amountTolerance = 0.01

// TestResult is the outcome of replaying one fixture.
type TestResult struct {
	TestName string  `json:"test_name"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
	Passed   bool    `json:"passed"`
	Error    string  `json:"error,omitempty"`
}

// Report summarizes a validation attempt for one rule.
type Report struct {
	RuleID    string                 `json:"rule_id"`
	RuleType  model.RuleType         `json:"rule_type"`
	TestCount int                    `json:"test_count"`
	FailCount int                    `json:"fail_count"`
	Results   []TestResult           `json:"results"`
	Promoted  bool                   `json:"promoted"`
	NewStatus model.ValidationStatus `json:"new_status"`
}

// Harness replays RuleTestCase fixtures against the current aggregated rule.
// A rule transitions pending to validated only when every fixture passes;
// any mismatch blocks the transition and marks the rule failed.
type Harness struct {
	store   store.Store
	ceiling float64
}

// New creates a Harness. ceiling is the overflow ceiling applied during
// replay, matching live calculation behavior.
func New(s store.Store, ceiling float64) *Harness {
	return &Harness{store: s, ceiling: ceiling}
}

// Validate replays every fixture registered for the rule covering the key
// and applies the resulting status transition. A rule with no fixtures stays
// pending; validation requires at least one fixture on record.
func (h *Harness) Validate(ctx context.Context, rt model.RuleType, targetDate time.Time) (*Report, error) {
	rule, err := h.store.GetAggregatedRule(ctx, rt, targetDate)
	if err != nil {
		return nil, eris.Wrapf(err, "validate: load rule for %s", rt)
	}

	cases, err := h.store.ListTestCases(ctx, rule.ID)
	if err != nil {
		return nil, eris.Wrap(err, "validate: list test cases")
	}

	report := &Report{
		RuleID:    rule.ID,
		RuleType:  rule.RuleType,
		TestCount: len(cases),
		NewStatus: rule.ValidationStatus,
	}
	if len(cases) == 0 {
		zap.L().Info("validate: no fixtures registered, rule stays pending",
			zap.String("rule_id", rule.ID),
			zap.String("rule_type", string(rt)),
		)
		return report, nil
	}

	known, err := calc.KnownVariables(ctx, h.store)
	if err != nil {
		return nil, eris.Wrap(err, "validate: load variable registry")
	}
	for _, tc := range cases {
		report.Results = append(report.Results, h.replay(ctx, rule, tc, known))
	}
	for _, r := range report.Results {
		if !r.Passed {
			report.FailCount++
		}
	}

	status := model.ValidationValidated
	if report.FailCount > 0 {
		status = model.ValidationFailed
	}
	if err := h.store.SetValidationStatus(ctx, rule.ID, status); err != nil {
		return nil, eris.Wrap(err, "validate: set validation status")
	}
	report.NewStatus = status
	report.Promoted = status == model.ValidationValidated

	if report.FailCount > 0 {
		zap.L().Warn("validate: fixtures failed, rule blocked from validation",
			zap.String("rule_id", rule.ID),
			zap.String("rule_type", string(rt)),
			zap.Int("failed", report.FailCount),
			zap.Int("total", report.TestCount),
		)
	} else {
		zap.L().Info("validate: all fixtures passed",
			zap.String("rule_id", rule.ID),
			zap.String("rule_type", string(rt)),
			zap.Int("total", report.TestCount),
		)
	}
	return report, nil
}

func (h *Harness) replay(ctx context.Context, rule *model.AggregatedRule, tc model.RuleTestCase, known func(string) bool) TestResult {
	res := TestResult{TestName: tc.TestName, Expected: tc.ExpectedAmount}

	actual, _, err := calc.Evaluate(ctx, rule, tc.Input, h.ceiling, known)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Actual = actual
	res.Passed = math.Abs(actual-tc.ExpectedAmount) <= amountTolerance
	return res
}
