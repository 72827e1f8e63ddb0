package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// Preflight runs the read-only readiness check for one (tax_type,
// target_date) key. It never mutates state; aggregation and operators both
// consult it before committing to a run.
func Preflight(ctx context.Context, s store.Store, rt model.RuleType, targetDate time.Time) (*model.PreflightRun, error) {
	pf := &model.PreflightRun{
		RuleType:   rt,
		TargetDate: targetDate,
		Status:     model.PreflightOK,
		CheckedAt:  time.Now().UTC(),
	}

	evidence, err := s.ListEvidenceRules(ctx, rt, targetDate)
	if err != nil {
		return nil, err
	}
	pf.EvidenceCount = len(evidence)
	if pf.EvidenceCount == 0 {
		pf.Blockers = append(pf.Blockers, "no evidence rules for key")
	}

	if _, err := s.GetAggregatedRule(ctx, rt, targetDate); err == nil {
		pf.AggregatedCount = 1
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	open, err := s.ListConflicts(ctx, store.ConflictFilter{
		RuleType:   rt,
		TargetDate: &targetDate,
		Status:     model.ConflictOpen,
	})
	if err != nil {
		return nil, err
	}
	for _, c := range open {
		pf.Blockers = append(pf.Blockers, fmt.Sprintf("open conflict on aspect %s (%s)", c.Aspect, c.ID))
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{RuleType: rt, Status: model.RunStatusRunning, Limit: 10})
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.TargetDate.Equal(targetDate) {
			pf.Blockers = append(pf.Blockers, fmt.Sprintf("aggregation run %s already active", r.ID))
		}
	}

	if len(pf.Blockers) > 0 {
		pf.Status = model.PreflightBlocked
	}
	return pf, nil
}
