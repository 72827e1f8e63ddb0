package monitoring

import (
	"context"
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

func finishedRun(t *testing.T, s store.Store, rt model.RuleType, status model.RunStatus) {
	t.Helper()
	run, err := s.BeginRun(context.Background(), rt, testDate)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(context.Background(), run.ID, status, 1, 1, 0, ""))
}

func TestCollector_Collect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	finishedRun(t, s, model.RuleTypePAYE, model.RunStatusCompleted)
	finishedRun(t, s, model.RuleTypeVAT, model.RunStatusCompleted)
	finishedRun(t, s, model.RuleTypeWHT, model.RunStatusFailed)
	_, err := s.BeginRun(ctx, model.RuleTypeNBT, testDate)
	require.NoError(t, err)

	_, err = s.CreateConflict(ctx, model.RuleConflict{
		RuleType:   model.RuleTypePAYE,
		TargetDate: testDate,
		Aspect:     model.AspectBrackets,
		Status:     model.ConflictOpen,
		Details:    model.ConflictDetails{Summary: "bracket rate disagreement"},
	})
	require.NoError(t, err)

	_, err = s.UpsertSynonym(ctx, "PAYE free allowance", "paye_free_allowance", "", 0.8)
	require.NoError(t, err)

	require.NoError(t, s.CreateCalcError(ctx, model.CalculationError{
		ExecutionID: "e1", RuleType: model.RuleTypePAYE,
		ErrorType: model.ErrVariableMissing, FailedStep: "resolving_variables", Message: "m",
	}))
	require.NoError(t, s.CreateCalcError(ctx, model.CalculationError{
		ExecutionID: "e2", RuleType: model.RuleTypePAYE,
		ErrorType: model.ErrVariableMissing, FailedStep: "resolving_variables", Message: "m",
	}))
	require.NoError(t, s.CreateCalcError(ctx, model.CalculationError{
		ExecutionID: "e3", RuleType: model.RuleTypeVAT,
		ErrorType: model.ErrOverflow, FailedStep: "evaluating", Message: "m",
	}))

	snap, err := NewCollector(s).Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsActive)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 0.001)

	assert.Equal(t, 1, snap.OpenConflicts)
	assert.Equal(t, 1, snap.PendingSynonyms)
	assert.Equal(t, 3, snap.UnresolvedCalcErrors)
	assert.Equal(t, 2, snap.CalcErrorsByType[string(model.ErrVariableMissing)])
	assert.Equal(t, 1, snap.CalcErrorsByType[string(model.ErrOverflow)])
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_EmptyStore(t *testing.T) {
	s := newTestStore(t)

	snap, err := NewCollector(s).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Zero(t, snap.OpenConflicts)
	assert.Zero(t, snap.UnresolvedCalcErrors)
	assert.Nil(t, snap.CalcErrorsByType)
}

func TestCollector_ResolvedErrorsExcluded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateCalcError(ctx, model.CalculationError{
		ExecutionID: "e1", RuleType: model.RuleTypePAYE,
		ErrorType: model.ErrOverflow, FailedStep: "evaluating", Message: "m",
	}))
	errs, err := s.ListCalcErrors(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.NoError(t, s.ResolveCalcError(ctx, errs[0].ID))

	snap, err := NewCollector(s).Collect(ctx, 24)
	require.NoError(t, err)
	assert.Zero(t, snap.UnresolvedCalcErrors)
}
