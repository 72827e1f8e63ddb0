package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType classifies calculation failures. Only database_error and
// unknown_error are retryable; the rest are terminal.
type ErrorType string

const (
	ErrFormulaParse    ErrorType = "formula_parse_error"
	ErrVariableMissing ErrorType = "variable_missing"
	ErrOverflow        ErrorType = "calculation_overflow"
	ErrRuleValidation  ErrorType = "rule_validation_failed"
	ErrDatabase        ErrorType = "database_error"
	ErrUnknown         ErrorType = "unknown_error"
)

// Retryable reports whether failures of this type may be retried.
func (et ErrorType) Retryable() bool {
	return et == ErrDatabase || et == ErrUnknown
}

// CalcError is the typed error carried through the calculation pipeline.
// It survives eris wrapping and is recovered with errors.As.
type CalcError struct {
	Type       ErrorType
	FailedStep string
	Message    string
	Err        error
}

func (e *CalcError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s at %s: %s", e.Type, e.FailedStep, e.Message)
	}
	return fmt.Sprintf("%s at %s", e.Type, e.FailedStep)
}

func (e *CalcError) Unwrap() error { return e.Err }

// NewCalcError builds a CalcError for the given step.
func NewCalcError(t ErrorType, step, msg string) *CalcError {
	return &CalcError{Type: t, FailedStep: step, Message: msg}
}

// WrapCalcError attaches a cause.
func WrapCalcError(t ErrorType, step string, err error) *CalcError {
	return &CalcError{Type: t, FailedStep: step, Message: err.Error(), Err: err}
}

// ClassifyError extracts the error type and failed step from an error chain.
// Errors with no CalcError in the chain classify as unknown_error.
func ClassifyError(err error) (ErrorType, string) {
	var ce *CalcError
	if errors.As(err, &ce) {
		return ce.Type, ce.FailedStep
	}
	return ErrUnknown, ""
}

// ExecutionState is the per-request calculation state machine.
type ExecutionState string

const (
	ExecPending            ExecutionState = "pending"
	ExecResolvingVariables ExecutionState = "resolving_variables"
	ExecEvaluating         ExecutionState = "evaluating"
	ExecCompleted          ExecutionState = "completed"
	ExecFailed             ExecutionState = "failed"
)

// BreakdownLine is one ordered step of a calculation breakdown. The slice
// of lines is the persisted contract consumed by the form/UI layer.
type BreakdownLine struct {
	Step     int     `json:"step"`
	Label    string  `json:"label"`
	Variable string  `json:"variable,omitempty"`
	Amount   float64 `json:"amount"`
	Detail   string  `json:"detail,omitempty"`
}

// CalculationAudit is one row per successful calculation execution,
// idempotent per execution id.
type CalculationAudit struct {
	ID            string          `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	RuleType      RuleType        `json:"calculation_type"`
	RuleID        string          `json:"rule_id"`
	SchemaVersion int             `json:"schema_version"`
	Input         map[string]any  `json:"input"`
	Breakdown     []BreakdownLine `json:"breakdown"`
	FinalAmount   float64         `json:"final_amount"`
	DurationMS    int64           `json:"duration_ms"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CalculationError is one row per failed execution.
type CalculationError struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	RuleType    RuleType  `json:"calculation_type"`
	ErrorType   ErrorType `json:"error_type"`
	FailedStep  string    `json:"failed_step"`
	Message     string    `json:"message"`
	RetryCount  int       `json:"retry_count"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
}

// RuleTestCase is a named regression fixture for one rule. All fixtures for
// a rule must pass before its validation_status may become validated.
type RuleTestCase struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"rule_id"`
	TestName       string         `json:"test_name"`
	Input          map[string]any `json:"input"`
	ExpectedAmount float64        `json:"expected_amount"`
	ExpectedOutput map[string]any `json:"expected_output,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
