package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// DateLayout is the canonical wire format for target dates. Rules are keyed
// by calendar day; times of day never participate in rule identity.
const DateLayout = "2006-01-02"

// ErrRunActive is returned by BeginRun when a non-terminal aggregation run
// already exists for the same (tax_type, target_date) key.
var ErrRunActive = eris.New("store: aggregation run already active for key")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// ConflictFilter selects conflicts for listing.
type ConflictFilter struct {
	RuleType   model.RuleType       `json:"tax_type,omitempty"`
	TargetDate *time.Time           `json:"target_date,omitempty"`
	Status     model.ConflictStatus `json:"status,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
}

// RunFilter selects aggregation runs for listing.
type RunFilter struct {
	RuleType model.RuleType  `json:"tax_type,omitempty"`
	Status   model.RunStatus `json:"status,omitempty"`
	Since    *time.Time      `json:"since,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the rule engine.
type Store interface {
	// Canonical variables
	CreateVariable(ctx context.Context, v model.CanonicalVariable) (*model.CanonicalVariable, error)
	GetVariableByKey(ctx context.Context, key string) (*model.CanonicalVariable, error)
	ListVariables(ctx context.Context, activeOnly bool) ([]model.CanonicalVariable, error)
	DeactivateVariable(ctx context.Context, key, reason string) error

	// Synonyms
	UpsertSynonym(ctx context.Context, rawTerm, normalized, suggestedKey string, confidence float64) (*model.VariableSynonym, error)
	GetSynonym(ctx context.Context, id string) (*model.VariableSynonym, error)
	GetSynonymByNormalized(ctx context.Context, normalized string) (*model.VariableSynonym, error)
	ListSynonyms(ctx context.Context, status model.SynonymStatus) ([]model.VariableSynonym, error)
	DecideSynonym(ctx context.Context, id string, status model.SynonymStatus, variableID, decidedBy string) error

	// Evidence rules
	CreateEvidenceRule(ctx context.Context, r model.EvidenceRule) (*model.EvidenceRule, error)
	ListEvidenceRules(ctx context.Context, rt model.RuleType, targetDate time.Time) ([]model.EvidenceRule, error)

	// Aggregated rules. GetAggregatedRule is effective-dated: it returns
	// the most recent rule with target_date on or before the given date.
	SaveAggregatedRule(ctx context.Context, r *model.AggregatedRule) error
	GetAggregatedRule(ctx context.Context, rt model.RuleType, targetDate time.Time) (*model.AggregatedRule, error)
	SetValidationStatus(ctx context.Context, ruleID string, status model.ValidationStatus) error

	// Conflicts
	CreateConflict(ctx context.Context, c model.RuleConflict) (*model.RuleConflict, error)
	GetConflict(ctx context.Context, id string) (*model.RuleConflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.RuleConflict, error)
	ResolveConflict(ctx context.Context, id string, status model.ConflictStatus, resolution, resolvedBy string) error

	// Aggregation runs
	BeginRun(ctx context.Context, rt model.RuleType, targetDate time.Time) (*model.AggregationRun, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, inputs, outputs, conflicts int, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.AggregationRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AggregationRun, error)

	// Calculation audit trail
	CreateAudit(ctx context.Context, a model.CalculationAudit) error
	GetAuditByExecution(ctx context.Context, executionID string) (*model.CalculationAudit, error)
	CreateCalcError(ctx context.Context, e model.CalculationError) error
	ListCalcErrors(ctx context.Context, unresolvedOnly bool, limit int) ([]model.CalculationError, error)
	ResolveCalcError(ctx context.Context, id string) error

	// Test cases
	CreateTestCase(ctx context.Context, tc model.RuleTestCase) (*model.RuleTestCase, error)
	ListTestCases(ctx context.Context, ruleID string) ([]model.RuleTestCase, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
