package model

import "time"

// VariableDataType constrains the values a canonical variable can hold.
type VariableDataType string

const (
	DataTypeString   VariableDataType = "string"
	DataTypeNumber   VariableDataType = "number"
	DataTypeInteger  VariableDataType = "integer"
	DataTypeBoolean  VariableDataType = "boolean"
	DataTypeDate     VariableDataType = "date"
	DataTypeCurrency VariableDataType = "currency"
	DataTypePercent  VariableDataType = "percent"
)

// CanonicalVariable is a stable, typed identifier for a tax concept
// (e.g. gross_income). Variables are never deleted, only deactivated.
type CanonicalVariable struct {
	ID               string           `json:"id"`
	Key              string           `json:"key"`
	Label            string           `json:"label"`
	DataType         VariableDataType `json:"data_type"`
	Unit             string           `json:"unit,omitempty"`
	Category         string           `json:"category,omitempty"`
	Version          int              `json:"version"`
	Active           bool             `json:"active"`
	DeprecatedReason string           `json:"deprecated_reason,omitempty"`
	DeprecatedAt     *time.Time       `json:"deprecated_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// SynonymStatus is the review state of a synonym proposal.
type SynonymStatus string

const (
	SynonymPending  SynonymStatus = "pending"
	SynonymApproved SynonymStatus = "approved"
	SynonymRejected SynonymStatus = "rejected"
)

// VariableSynonym is a raw extracted term pending or approved mapping to a
// canonical variable. NormalizedTerm is globally unique: repeat proposals
// for the same normalized term merge into the existing record.
type VariableSynonym struct {
	ID             string        `json:"id"`
	RawTerm        string        `json:"raw_term"`
	NormalizedTerm string        `json:"normalized_term"`
	VariableID     string        `json:"variable_id,omitempty"`
	SuggestedKey   string        `json:"suggested_key,omitempty"`
	Confidence     float64       `json:"confidence"`
	ProposalCount  int           `json:"proposal_count"`
	Status         SynonymStatus `json:"status"`
	DecidedBy      string        `json:"decided_by,omitempty"`
	DecidedAt      *time.Time    `json:"decided_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// SynonymProposal is one entry of an extraction-pipeline proposal batch.
type SynonymProposal struct {
	Term         string  `json:"term"`
	SuggestedKey string  `json:"suggested_variable_key,omitempty"`
	Confidence   float64 `json:"confidence"`
}
