package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Aggregation run metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsActive    int     `json:"runs_active"`
	RunFailRate   float64 `json:"run_fail_rate"`

	// Review queues.
	OpenConflicts   int `json:"open_conflicts"`
	PendingSynonyms int `json:"pending_synonyms"`

	// Calculation errors still waiting on an operator (all-time, bounded).
	UnresolvedCalcErrors int            `json:"unresolved_calc_errors"`
	CalcErrorsByType     map[string]int `json:"calc_errors_by_type,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of engine metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		Since: &cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.RunsTotal = len(runs)
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsActive++
		}
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	conflicts, err := c.store.ListConflicts(ctx, store.ConflictFilter{
		Status: model.ConflictOpen,
		Limit:  10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list open conflicts")
	}
	snap.OpenConflicts = len(conflicts)

	synonyms, err := c.store.ListSynonyms(ctx, model.SynonymPending)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending synonyms")
	}
	snap.PendingSynonyms = len(synonyms)

	calcErrs, err := c.store.ListCalcErrors(ctx, true, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list calc errors")
	}
	snap.UnresolvedCalcErrors = len(calcErrs)
	if len(calcErrs) > 0 {
		snap.CalcErrorsByType = make(map[string]int)
		for _, ce := range calcErrs {
			snap.CalcErrorsByType[string(ce.ErrorType)]++
		}
	}

	return snap, nil
}
