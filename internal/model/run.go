package model

import "time"

// RunStatus is the lifecycle state of an aggregation run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (rs RunStatus) Terminal() bool {
	return rs == RunStatusCompleted || rs == RunStatusFailed
}

// AggregationRun is one aggregation attempt for a (tax_type, target_date)
// key. At most one non-terminal run may exist per key at a time.
type AggregationRun struct {
	ID             string     `json:"id"`
	RuleType       RuleType   `json:"tax_type"`
	TargetDate     time.Time  `json:"target_date"`
	Status         RunStatus  `json:"status"`
	InputsCount    int        `json:"inputs_count"`
	OutputsCount   int        `json:"outputs_count"`
	ConflictsCount int        `json:"conflicts_count"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// PreflightStatus is the outcome of a readiness check.
type PreflightStatus string

const (
	PreflightOK      PreflightStatus = "ok"
	PreflightBlocked PreflightStatus = "blocked"
)

// PreflightRun is a read-only snapshot check run before aggregation or
// calculation.
type PreflightRun struct {
	RuleType        RuleType        `json:"tax_type"`
	TargetDate      time.Time       `json:"target_date"`
	Status          PreflightStatus `json:"status"`
	EvidenceCount   int             `json:"evidence_count"`
	AggregatedCount int             `json:"aggregated_count"`
	Blockers        []string        `json:"blockers,omitempty"`
	CheckedAt       time.Time       `json:"checked_at"`
}
