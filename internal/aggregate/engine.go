package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/revenuelab/taxrules-cli/internal/config"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// aspectForCategory maps evidence categories to the aspect dimension used
// for grouping and conflict reporting.
var aspectForCategory = map[model.RuleCategory]model.Aspect{
	model.CategoryBracket:   model.AspectBrackets,
	model.CategoryThreshold: model.AspectThresholds,
	model.CategoryRate:      model.AspectOther,
	model.CategoryDeduction: model.AspectOther,
	model.CategoryExemption: model.AspectOther,
	model.CategoryAllowance: model.AspectOther,
}

// categoryOrder fixes the iteration order over evidence groups so repeated
// runs produce identical output.
var categoryOrder = []model.RuleCategory{
	model.CategoryBracket,
	model.CategoryRate,
	model.CategoryThreshold,
	model.CategoryDeduction,
	model.CategoryExemption,
	model.CategoryAllowance,
}

// Engine reconciles evidence rules into aggregated rules.
type Engine struct {
	store store.Store
	cfg   config.AggregationConfig
}

// New creates an aggregation engine.
func New(s store.Store, cfg config.AggregationConfig) *Engine {
	return &Engine{store: s, cfg: cfg}
}

// Result is the outcome of one aggregation run.
type Result struct {
	Run          *model.AggregationRun
	Rule         *model.AggregatedRule
	NewConflicts []model.RuleConflict
}

// Run aggregates all evidence for one (tax_type, target_date) key. It
// acquires run exclusivity through the store; a concurrent run for the same
// key fails with store.ErrRunActive. The run record always reaches a
// terminal status before Run returns.
func (e *Engine) Run(ctx context.Context, rt model.RuleType, targetDate time.Time) (*Result, error) {
	run, err := e.store.BeginRun(ctx, rt, targetDate)
	if err != nil {
		return nil, err
	}

	res, aggErr := e.aggregate(ctx, rt, targetDate)
	if aggErr != nil {
		if finErr := e.store.FinishRun(ctx, run.ID, model.RunStatusFailed, 0, 0, 0, aggErr.Error()); finErr != nil {
			zap.L().Error("aggregate: failed to mark run failed", zap.String("run_id", run.ID), zap.Error(finErr))
		}
		return nil, aggErr
	}

	status := model.RunStatusCompleted
	runErr := ""
	if len(res.blockedRequired) > 0 {
		status = model.RunStatusFailed
		runErr = "unresolved conflicts on required aspects: " + strings.Join(res.blockedRequired, ", ")
	}
	if err := e.store.FinishRun(ctx, run.ID, status, res.inputs, res.outputs, len(res.newConflicts), runErr); err != nil {
		return nil, err
	}

	final, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	zap.L().Info("aggregate: run finished",
		zap.String("run_id", run.ID),
		zap.String("tax_type", string(rt)),
		zap.String("target_date", targetDate.Format(store.DateLayout)),
		zap.String("status", string(final.Status)),
		zap.Int("inputs", res.inputs),
		zap.Int("outputs", res.outputs),
		zap.Int("conflicts", len(res.newConflicts)),
	)
	return &Result{Run: final, Rule: res.rule, NewConflicts: res.newConflicts}, nil
}

type aggregateOutcome struct {
	inputs          int
	outputs         int
	rule            *model.AggregatedRule
	newConflicts    []model.RuleConflict
	blockedRequired []string
}

func (e *Engine) aggregate(ctx context.Context, rt model.RuleType, targetDate time.Time) (*aggregateOutcome, error) {
	evidence, err := e.store.ListEvidenceRules(ctx, rt, targetDate)
	if err != nil {
		return nil, err
	}
	if len(evidence) == 0 {
		return nil, eris.Errorf("aggregate: no evidence rules for %s on %s",
			rt, targetDate.Format(store.DateLayout))
	}

	sortEvidence(evidence)
	groups := map[model.RuleCategory][]model.EvidenceRule{}
	for _, ev := range evidence {
		groups[ev.Category] = append(groups[ev.Category], ev)
	}

	existing, err := e.store.GetAggregatedRule(ctx, rt, targetDate)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	// The lookup is effective-dated; only the rule keyed to this exact
	// target date carries its formulas and validation status forward.
	if existing != nil && existing.TargetDate.Format(store.DateLayout) != targetDate.Format(store.DateLayout) {
		existing = nil
	}

	tol := tolerance{relative: e.cfg.NumericTolerance, absolute: e.cfg.AbsoluteTolerance}
	out := &aggregateOutcome{inputs: len(evidence)}
	rule := &model.AggregatedRule{
		RuleType:         rt,
		TargetDate:       targetDate,
		SchemaVersion:    1,
		ValidationStatus: model.ValidationPending,
	}
	blocked := map[model.Aspect]bool{}

	for _, category := range categoryOrder {
		group, ok := groups[category]
		if !ok {
			continue
		}
		aspect := aspectForCategory[category]

		winner, accepted, conflict, err := e.resolveGroup(ctx, rt, targetDate, aspect, group, tol)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			out.newConflicts = append(out.newConflicts, *conflict)
		}
		if !accepted {
			blocked[aspect] = true
			continue
		}

		if err := acceptValue(rule, category, winner.Data); err != nil {
			return nil, err
		}
		out.outputs++

		for idx, ev := range group {
			reason := "superseded by higher-ranked source"
			if ev.ID == winner.ID {
				reason = "accepted"
			}
			rule.Sources = append(rule.Sources, model.AggregatedRuleSource{
				EvidenceRuleID: ev.ID,
				Aspect:         aspect,
				Weight:         1.0 / float64(1+idx),
				Reason:         reason,
			})
		}
	}

	// Curated formulas survive re-aggregation; a bracket-bearing rule with
	// none gets the default single-step set.
	if existing != nil {
		rule.Formulas = existing.Formulas
	}
	if len(rule.Formulas) == 0 && len(rule.Brackets) > 0 {
		rule.Formulas = []model.RuleFormula{{
			Expression:       "bracket(taxable_income)",
			OutputVariable:   "tax_due",
			CalculationOrder: 1,
			Status:           model.FormulaActive,
		}}
	}

	// Unchanged content keeps its validation status; any change resets the
	// regression gate.
	if existing != nil && sameRuleContent(existing, rule) {
		rule.ValidationStatus = existing.ValidationStatus
	}

	if err := e.store.SaveAggregatedRule(ctx, rule); err != nil {
		return nil, err
	}
	out.rule = rule

	for _, required := range e.cfg.RequiredAspects {
		if blocked[model.Aspect(required)] {
			out.blockedRequired = append(out.blockedRequired, required)
		}
	}
	sort.Strings(out.blockedRequired)
	return out, nil
}

// resolveGroup picks the winning evidence for one aspect group, consulting
// prior operator decisions. Returns accepted=false when the aspect stays
// blocked behind an open conflict.
func (e *Engine) resolveGroup(
	ctx context.Context,
	rt model.RuleType,
	targetDate time.Time,
	aspect model.Aspect,
	group []model.EvidenceRule,
	tol tolerance,
) (winner model.EvidenceRule, accepted bool, newConflict *model.RuleConflict, err error) {
	winner = group[0]

	topRank := winner.SourceAuthority.Rank()
	var disagreeing []model.EvidenceRule
	for _, ev := range group[1:] {
		if ev.SourceAuthority.Rank() != topRank {
			break
		}
		if !agree(winner.Data, ev.Data, tol) {
			disagreeing = append(disagreeing, ev)
		}
	}
	if len(disagreeing) == 0 {
		return winner, true, nil, nil
	}

	// Disagreement within the top authority tier: check for a prior
	// operator decision before raising a new conflict.
	prior, err := e.priorConflict(ctx, rt, targetDate, aspect)
	if err != nil {
		return winner, false, nil, err
	}
	if prior != nil {
		switch prior.Status {
		case model.ConflictOpen, model.ConflictUnderReview:
			return winner, false, nil, nil
		case model.ConflictResolved:
			if chosen := chooseResolved(prior, group); chosen != nil {
				return *chosen, true, nil, nil
			}
			return winner, true, nil, nil
		case model.ConflictDismissed:
			return winner, true, nil, nil
		}
	}

	candidates := []model.ConflictCandidate{{
		EvidenceRuleID:  winner.ID,
		SourceAuthority: winner.SourceAuthority,
		Value:           summarize(winner.Data),
	}}
	for _, ev := range disagreeing {
		candidates = append(candidates, model.ConflictCandidate{
			EvidenceRuleID:  ev.ID,
			SourceAuthority: ev.SourceAuthority,
			Value:           summarize(ev.Data),
		})
	}
	created, err := e.store.CreateConflict(ctx, model.RuleConflict{
		RuleType:   rt,
		TargetDate: targetDate,
		Aspect:     aspect,
		Status:     model.ConflictOpen,
		Details: model.ConflictDetails{
			Summary:    string(aspect) + ": top-tier sources disagree beyond tolerance",
			Candidates: candidates,
		},
	})
	if err != nil {
		return winner, false, nil, err
	}
	zap.L().Warn("aggregate: conflict raised",
		zap.String("conflict_id", created.ID),
		zap.String("tax_type", string(rt)),
		zap.String("aspect", string(aspect)),
		zap.Int("candidates", len(candidates)),
	)
	return winner, false, created, nil
}

// priorConflict returns the most recent conflict for the key and aspect.
func (e *Engine) priorConflict(ctx context.Context, rt model.RuleType, targetDate time.Time, aspect model.Aspect) (*model.RuleConflict, error) {
	conflicts, err := e.store.ListConflicts(ctx, store.ConflictFilter{
		RuleType:   rt,
		TargetDate: &targetDate,
	})
	if err != nil {
		return nil, err
	}
	for i := range conflicts {
		if conflicts[i].Aspect == aspect {
			return &conflicts[i], nil
		}
	}
	return nil, nil
}

// chooseResolved matches a resolution text against candidate evidence ids.
// An operator resolving a conflict names the winning evidence rule in the
// resolution; when none matches, precedence order stands.
func chooseResolved(c *model.RuleConflict, group []model.EvidenceRule) *model.EvidenceRule {
	for i := range group {
		if strings.Contains(c.Resolution, group[i].ID) {
			return &group[i]
		}
	}
	return nil
}

// sortEvidence orders evidence deterministically: authority rank desc,
// effective date desc, chunk confidence desc, id asc.
func sortEvidence(evidence []model.EvidenceRule) {
	sort.SliceStable(evidence, func(i, j int) bool {
		a, b := evidence[i], evidence[j]
		if ra, rb := a.SourceAuthority.Rank(), b.SourceAuthority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.After(b.EffectiveDate)
		}
		if a.ChunkConfidence != b.ChunkConfidence {
			return a.ChunkConfidence > b.ChunkConfidence
		}
		return a.ID < b.ID
	})
}

// acceptValue folds a winning payload into the draft rule.
func acceptValue(rule *model.AggregatedRule, category model.RuleCategory, data model.RuleData) error {
	switch category {
	case model.CategoryBracket:
		if data.Bracket == nil {
			return eris.New("aggregate: bracket evidence with no bracket payload")
		}
		normalized, err := model.NormalizeBrackets(data.Bracket.Brackets)
		if err != nil {
			return eris.Wrap(err, "aggregate: winning bracket table invalid")
		}
		rule.Data.Bracket = &model.BracketData{Brackets: normalized}
		rule.Brackets = make([]model.TaxBracket, len(normalized))
		copy(rule.Brackets, normalized)
	case model.CategoryRate:
		rule.Data.Rate = data.Rate
	case model.CategoryThreshold:
		rule.Data.Threshold = data.Threshold
	case model.CategoryDeduction:
		rule.Data.Deduction = data.Deduction
	case model.CategoryExemption:
		rule.Data.Exemption = data.Exemption
	case model.CategoryAllowance:
		rule.Data.Allowance = data.Allowance
	default:
		return eris.Errorf("aggregate: unhandled category %q", category)
	}
	return nil
}

// sameRuleContent compares the calculation-relevant content of two rules.
func sameRuleContent(a, b *model.AggregatedRule) bool {
	type content struct {
		Data     model.RuleData
		Brackets []model.TaxBracket
		Formulas []model.RuleFormula
	}
	strip := func(r *model.AggregatedRule) content {
		c := content{Data: r.Data}
		for _, br := range r.Brackets {
			br.ID = ""
			br.RuleID = ""
			c.Brackets = append(c.Brackets, br)
		}
		for _, f := range r.Formulas {
			f.ID = ""
			f.RuleID = ""
			c.Formulas = append(c.Formulas, f)
		}
		return c
	}
	aj, errA := json.Marshal(strip(a))
	bj, errB := json.Marshal(strip(b))
	return errA == nil && errB == nil && string(aj) == string(bj)
}

// KeyResult is one key's outcome from a batch aggregation.
type KeyResult struct {
	RuleType model.RuleType
	Result   *Result
	Err      error
	Skipped  bool
}

// RunAll aggregates every rule type that has evidence for the target date,
// fanning out across keys with a bounded degree of parallelism. Keys with no
// evidence are skipped rather than failed.
func (e *Engine) RunAll(ctx context.Context, targetDate time.Time) ([]KeyResult, error) {
	limit := e.cfg.MaxParallelKeys
	if limit <= 0 {
		limit = 1
	}

	var mu sync.Mutex
	results := make([]KeyResult, 0, len(model.RuleTypes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, rt := range model.RuleTypes {
		g.Go(func() error {
			kr := KeyResult{RuleType: rt}

			evidence, err := e.store.ListEvidenceRules(gctx, rt, targetDate)
			switch {
			case err != nil:
				kr.Err = err
			case len(evidence) == 0:
				kr.Skipped = true
			default:
				kr.Result, kr.Err = e.Run(gctx, rt, targetDate)
			}
			if kr.Err != nil {
				zap.L().Error("aggregate: key failed",
					zap.String("tax_type", string(rt)),
					zap.Error(kr.Err),
				)
			}

			mu.Lock()
			results = append(results, kr)
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].RuleType < results[j].RuleType })
	return results, nil
}
