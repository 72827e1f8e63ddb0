package model

import "time"

// RuleType identifies the tax regime a rule belongs to.
type RuleType string

const (
	RuleTypeIncomeTax RuleType = "income_tax"
	RuleTypeVAT       RuleType = "vat"
	RuleTypePAYE      RuleType = "paye"
	RuleTypeWHT       RuleType = "wht"
	RuleTypeNBT       RuleType = "nbt"
	RuleTypeSSCL      RuleType = "sscl"
	RuleTypeGeneral   RuleType = "general"
)

// RuleTypes lists every supported rule type.
var RuleTypes = []RuleType{
	RuleTypeIncomeTax, RuleTypeVAT, RuleTypePAYE, RuleTypeWHT,
	RuleTypeNBT, RuleTypeSSCL, RuleTypeGeneral,
}

// Valid reports whether rt is a known rule type.
func (rt RuleType) Valid() bool {
	for _, t := range RuleTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// RuleCategory identifies what kind of rule content the payload carries.
type RuleCategory string

const (
	CategoryBracket   RuleCategory = "bracket"
	CategoryDeduction RuleCategory = "deduction"
	CategoryExemption RuleCategory = "exemption"
	CategoryRate      RuleCategory = "rate"
	CategoryThreshold RuleCategory = "threshold"
	CategoryAllowance RuleCategory = "allowance"
)

// ValidationStatus tracks the regression-gated lifecycle of an aggregated rule.
type ValidationStatus string

const (
	ValidationPending    ValidationStatus = "pending"
	ValidationValidated  ValidationStatus = "validated"
	ValidationFailed     ValidationStatus = "failed"
	ValidationDeprecated ValidationStatus = "deprecated"
)

// EvidenceRule is a tax rule extracted from one specific source document.
// Immutable once created except for validation_status.
type EvidenceRule struct {
	ID               string           `json:"id"`
	RuleType         RuleType         `json:"rule_type"`
	Category         RuleCategory     `json:"category"`
	Data             RuleData         `json:"rule_data"`
	DocumentID       string           `json:"document_id"`
	ChunkID          string           `json:"chunk_id"`
	ChunkConfidence  float64          `json:"chunk_confidence"`
	SourceAuthority  SourceAuthority  `json:"source_authority"`
	EffectiveDate    time.Time        `json:"effective_date"`
	ExpiryDate       *time.Time       `json:"expiry_date,omitempty"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// AggregatedRule is the canonical, cross-source-reconciled rule used for
// calculation. It carries the same payload shape as an EvidenceRule plus a
// provenance trail of AggregatedRuleSource links.
type AggregatedRule struct {
	ID               string                 `json:"id"`
	RuleType         RuleType               `json:"rule_type"`
	TargetDate       time.Time              `json:"target_date"`
	Data             RuleData               `json:"rule_data"`
	Brackets         []TaxBracket           `json:"brackets,omitempty"`
	Formulas         []RuleFormula          `json:"formulas,omitempty"`
	Sources          []AggregatedRuleSource `json:"sources,omitempty"`
	SchemaVersion    int                    `json:"schema_version"`
	ValidationStatus ValidationStatus       `json:"validation_status"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// AggregatedRuleSource links an aggregated rule back to one contributing
// evidence rule with the weight its rank earned during aggregation.
type AggregatedRuleSource struct {
	ID             string  `json:"id"`
	RuleID         string  `json:"rule_id"`
	EvidenceRuleID string  `json:"evidence_rule_id"`
	Aspect         Aspect  `json:"aspect"`
	Weight         float64 `json:"weight"`
	Reason         string  `json:"reason"`
}

// TaxBracket is one progressive bracket of a rule. A nil MaxIncome denotes
// an open-ended top bracket. BracketOrder is unique within a rule and the
// sorted set must be contiguous and non-overlapping.
type TaxBracket struct {
	ID           string   `json:"id,omitempty"`
	RuleID       string   `json:"rule_id,omitempty"`
	MinIncome    float64  `json:"min_income"`
	MaxIncome    *float64 `json:"max_income"`
	Rate         float64  `json:"rate"`
	FixedAmount  float64  `json:"fixed_amount"`
	BracketOrder int      `json:"bracket_order"`
}

// FormulaStatus tracks whether a formula is active for calculation.
type FormulaStatus string

const (
	FormulaActive   FormulaStatus = "active"
	FormulaInactive FormulaStatus = "inactive"
)

// RuleFormula is one calculation step belonging to a rule. The full formula
// set for a rule must form a DAG over canonical variables.
type RuleFormula struct {
	ID               string        `json:"id,omitempty"`
	RuleID           string        `json:"rule_id,omitempty"`
	Expression       string        `json:"expression"`
	OutputVariable   string        `json:"output_variable"`
	CalculationOrder int           `json:"calculation_order"`
	Status           FormulaStatus `json:"status"`
}

// Aspect is the dimension of a rule being reconciled.
type Aspect string

const (
	AspectBrackets    Aspect = "brackets"
	AspectThresholds  Aspect = "thresholds"
	AspectDefinitions Aspect = "definitions"
	AspectFormulas    Aspect = "formulas"
	AspectUnits       Aspect = "units"
	AspectInputs      Aspect = "inputs"
	AspectOther       Aspect = "other"
)

// ConflictStatus is the lifecycle state of a rule conflict.
type ConflictStatus string

const (
	ConflictOpen        ConflictStatus = "open"
	ConflictUnderReview ConflictStatus = "under_review"
	ConflictResolved    ConflictStatus = "resolved"
	ConflictDismissed   ConflictStatus = "dismissed"
)

// Terminal reports whether the conflict status needs no further action.
func (cs ConflictStatus) Terminal() bool {
	return cs == ConflictResolved || cs == ConflictDismissed
}

// RuleConflict records disagreeing evidence for one aspect of a
// (tax_type, target_date) rule. Created only by the aggregation engine.
type RuleConflict struct {
	ID         string          `json:"id"`
	RuleType   RuleType        `json:"tax_type"`
	TargetDate time.Time       `json:"target_date"`
	Aspect     Aspect          `json:"aspect"`
	Status     ConflictStatus  `json:"status"`
	Details    ConflictDetails `json:"details"`
	Resolution string          `json:"resolution,omitempty"`
	ResolvedBy string          `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ConflictDetails captures the disagreeing values behind a conflict.
type ConflictDetails struct {
	Summary    string              `json:"summary"`
	Candidates []ConflictCandidate `json:"candidates"`
}

// ConflictCandidate is one side of a disagreement.
type ConflictCandidate struct {
	EvidenceRuleID  string          `json:"evidence_rule_id"`
	SourceAuthority SourceAuthority `json:"source_authority"`
	Value           string          `json:"value"`
}
