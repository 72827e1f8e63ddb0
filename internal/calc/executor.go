package calc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/config"
	"github.com/revenuelab/taxrules-cli/internal/formula"
	"github.com/revenuelab/taxrules-cli/internal/model"
	"github.com/revenuelab/taxrules-cli/internal/resilience"
	"github.com/revenuelab/taxrules-cli/internal/store"
)

// DefaultIncomeVariable is the conventional input consumed by the default
// bracket formula set.
const DefaultIncomeVariable = "taxable_income"

// Request is one calculation request.
type Request struct {
	// ExecutionID keys audit idempotence. Generated when empty.
	ExecutionID string

	RuleType   model.RuleType
	TargetDate time.Time
	Input      map[string]any
}

// Response is a completed calculation.
type Response struct {
	ExecutionID      string                 `json:"execution_id"`
	State            model.ExecutionState   `json:"state"`
	Result           float64                `json:"result"`
	Breakdown        []model.BreakdownLine  `json:"breakdown"`
	RuleID           string                 `json:"rule_id"`
	SchemaVersion    int                    `json:"schema_version"`
	ValidationStatus model.ValidationStatus `json:"validation_status"`
	DurationMS       int64                  `json:"duration_ms"`
}

// Executor runs calculations against aggregated rules. Executions are
// read-only over rule tables and fully independent of one another.
type Executor struct {
	store store.Store
	cfg   config.CalculationConfig
}

// New creates an Executor.
func New(s store.Store, cfg config.CalculationConfig) *Executor {
	return &Executor{store: s, cfg: cfg}
}

// Execute runs one calculation through the full state machine and records
// the outcome: a CalculationAudit row on success (idempotent per execution
// id), a CalculationError row on failure. Unvalidated rules still calculate;
// the response carries validation_status so callers see the flag.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}
	if req.TargetDate.IsZero() {
		req.TargetDate = time.Now().UTC()
	}
	if !req.RuleType.Valid() {
		return nil, model.NewCalcError(model.ErrRuleValidation, "loading_rule",
			fmt.Sprintf("unknown calculation type %q", req.RuleType))
	}

	if e.cfg.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout())
		defer cancel()
	}

	started := time.Now()
	var loadRetries int
	resp, execErr := e.execute(ctx, req, &loadRetries)
	duration := time.Since(started).Milliseconds()

	if execErr != nil {
		e.recordFailure(req, execErr, loadRetries)
		return nil, execErr
	}
	resp.DurationMS = duration

	audit := model.CalculationAudit{
		ExecutionID:   req.ExecutionID,
		RuleType:      req.RuleType,
		RuleID:        resp.RuleID,
		SchemaVersion: resp.SchemaVersion,
		Input:         req.Input,
		Breakdown:     resp.Breakdown,
		FinalAmount:   resp.Result,
		DurationMS:    duration,
	}
	var persistRetries int
	persistErr := resilience.Do(ctx, e.retryConfig(&persistRetries), func(ctx context.Context) error {
		if err := e.store.CreateAudit(ctx, audit); err != nil {
			return model.WrapCalcError(model.ErrDatabase, "persisting_audit", err)
		}
		return nil
	})
	if persistErr != nil {
		e.recordFailure(req, persistErr, persistRetries)
		return nil, persistErr
	}

	zap.L().Info("calc: execution completed",
		zap.String("execution_id", req.ExecutionID),
		zap.String("calculation_type", string(req.RuleType)),
		zap.Float64("final_amount", resp.Result),
		zap.Int64("duration_ms", duration),
	)
	return resp, nil
}

// execute is the Pending → ResolvingVariables → Evaluating core. It reads
// but never writes; failures are classified by the caller. loadRetries
// reports how many times the rule load was retried.
func (e *Executor) execute(ctx context.Context, req Request, loadRetries *int) (*Response, error) {
	rule, err := e.loadRule(ctx, req, loadRetries)
	if err != nil {
		return nil, err
	}
	known, err := KnownVariables(ctx, e.store)
	if err != nil {
		return nil, err
	}

	result, breakdown, err := Evaluate(ctx, rule, req.Input, e.cfg.OverflowCeiling, known)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.NewCalcError(model.ErrOverflow, "timeout",
				fmt.Sprintf("execution exceeded %s budget", e.cfg.Timeout()))
		}
		return nil, err
	}

	return &Response{
		ExecutionID:      req.ExecutionID,
		State:            model.ExecCompleted,
		Result:           result,
		Breakdown:        breakdown,
		RuleID:           rule.ID,
		SchemaVersion:    rule.SchemaVersion,
		ValidationStatus: rule.ValidationStatus,
	}, nil
}

// loadRule fetches the effective rule with the same bounded retry as the
// persistence writes; only database errors retry, a missing rule is terminal.
func (e *Executor) loadRule(ctx context.Context, req Request, retries *int) (*model.AggregatedRule, error) {
	return resilience.DoVal(ctx, e.retryConfig(retries), func(ctx context.Context) (*model.AggregatedRule, error) {
		rule, err := e.store.GetAggregatedRule(ctx, req.RuleType, req.TargetDate)
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewCalcError(model.ErrRuleValidation, "loading_rule",
				fmt.Sprintf("no aggregated rule for %s on %s",
					req.RuleType, req.TargetDate.Format(store.DateLayout)))
		}
		if err != nil {
			return nil, model.WrapCalcError(model.ErrDatabase, "loading_rule", err)
		}
		return rule, nil
	})
}

// KnownVariables builds the registry gate applied to formula identifiers at
// compile time: a key is known when it is an active canonical variable. The
// conventional default bracket input is always known because the engine
// writes it into default formula sets itself.
func KnownVariables(ctx context.Context, s store.Store) (func(key string) bool, error) {
	vars, err := s.ListVariables(ctx, true)
	if err != nil {
		return nil, model.WrapCalcError(model.ErrDatabase, "resolving_variables", err)
	}
	known := make(map[string]struct{}, len(vars))
	for _, v := range vars {
		known[v.Key] = struct{}{}
	}
	return func(key string) bool {
		if key == DefaultIncomeVariable {
			return true
		}
		_, ok := known[key]
		return ok
	}, nil
}

// Evaluate runs a rule's formulas (or its bare bracket table) against input
// values without touching persistence. The validation harness replays
// fixtures through this same path. knownVariable gates formula identifiers
// against the canonical variable registry; nil skips the gate.
func Evaluate(ctx context.Context, rule *model.AggregatedRule, input map[string]any, ceiling float64, knownVariable func(key string) bool) (float64, []model.BreakdownLine, error) {
	formulas := rule.Formulas
	if len(formulas) == 0 {
		if len(rule.Brackets) == 0 {
			return 0, nil, model.NewCalcError(model.ErrRuleValidation, "loading_rule",
				"rule has neither formulas nor a bracket table")
		}
		formulas = []model.RuleFormula{{
			Expression:       "bracket(" + DefaultIncomeVariable + ")",
			OutputVariable:   "tax_due",
			CalculationOrder: 1,
			Status:           model.FormulaActive,
		}}
	}

	compiled, err := formula.Compile(formulas, knownVariable)
	if err != nil {
		return 0, nil, err
	}

	// ResolvingVariables: coerce every external input the formula set needs.
	vars := make(map[string]float64, len(input))
	for _, key := range compiled.ExternalInputs {
		raw, ok := input[key]
		if !ok {
			return 0, nil, model.NewCalcError(model.ErrVariableMissing, "resolving_variables",
				fmt.Sprintf("input %q not supplied", key))
		}
		val, err := toFloat(raw)
		if err != nil {
			return 0, nil, model.NewCalcError(model.ErrVariableMissing, "resolving_variables",
				fmt.Sprintf("input %q: %s", key, err))
		}
		vars[key] = val
	}

	var breakdown []model.BreakdownLine
	step := 0
	env := &formula.Env{
		Vars:    vars,
		Ceiling: ceiling,
		Bracket: func(income float64) (float64, error) {
			total, portions, err := BracketTax(rule.Brackets, income)
			if err != nil {
				return 0, err
			}
			for _, p := range portions {
				step++
				upper := "open"
				if p.Upper != nil {
					upper = fmt.Sprintf("%.0f", *p.Upper)
				}
				breakdown = append(breakdown, model.BreakdownLine{
					Step:   step,
					Label:  fmt.Sprintf("Bracket %d (%.0f..%s)", p.BracketOrder, p.Lower, upper),
					Amount: round2(p.Amount),
					Detail: fmt.Sprintf("rate %.4f", round4(p.Rate)),
				})
			}
			return total, nil
		},
	}

	// Evaluating: strictly sequential along the compiled order because
	// later formulas consume earlier outputs.
	var final float64
	for _, cf := range compiled.Steps {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		val, err := formula.Eval(cf.AST, env)
		if err != nil {
			return 0, nil, err
		}
		vars[cf.OutputVariable] = val
		final = val

		step++
		breakdown = append(breakdown, model.BreakdownLine{
			Step:     step,
			Label:    cf.OutputVariable,
			Variable: cf.OutputVariable,
			Amount:   round2(val),
			Detail:   cf.Expression,
		})
	}

	if final < 0 {
		step++
		breakdown = append(breakdown, model.BreakdownLine{
			Step:   step,
			Label:  "floor at zero",
			Amount: 0,
		})
		final = 0
	}
	return round2(final), breakdown, nil
}

// recordFailure writes the CalculationError row with the number of retries
// the failing operation actually made. The write itself is best-effort with
// retries; a failure to record is logged, not surfaced over the calculation
// error.
func (e *Executor) recordFailure(req Request, execErr error, retries int) {
	errType, failedStep := model.ClassifyError(execErr)

	row := model.CalculationError{
		ExecutionID: req.ExecutionID,
		RuleType:    req.RuleType,
		ErrorType:   errType,
		FailedStep:  failedStep,
		Message:     execErr.Error(),
		RetryCount:  retries,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := resilience.Do(ctx, e.retryConfig(nil), func(ctx context.Context) error {
		return e.store.CreateCalcError(ctx, row)
	})
	if err != nil {
		zap.L().Error("calc: failed to record calculation error",
			zap.String("execution_id", req.ExecutionID),
			zap.Error(eris.Wrap(err, "calc: persist error row")),
		)
		return
	}
	zap.L().Warn("calc: execution failed",
		zap.String("execution_id", req.ExecutionID),
		zap.String("calculation_type", string(req.RuleType)),
		zap.String("error_type", string(errType)),
		zap.String("failed_step", failedStep),
	)
}

// retryConfig derives the retry policy from the calculation config. When
// retries is non-nil it tracks how many retries the wrapped operation made.
func (e *Executor) retryConfig(retries *int) resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	if e.cfg.MaxRetries > 0 {
		cfg.MaxAttempts = e.cfg.MaxRetries
	}
	cfg.InitialBackoff = 100 * time.Millisecond
	logRetry := resilience.RetryLogger("calc")
	cfg.OnRetry = func(attempt int, err error) {
		if retries != nil {
			*retries = attempt
		}
		logRetry(attempt, err)
	}
	return cfg
}

// toFloat coerces JSON-decoded input values to float64.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("value %v is not numeric", v)
}
