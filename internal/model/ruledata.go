package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// RuleData is the category-discriminated payload of a rule. Exactly one of
// the pointer fields is set, matching the rule's category. Raw payload text
// from the extraction pipeline is parsed into this union and never evaluated
// as code.
type RuleData struct {
	Bracket    *BracketData    `json:"bracket,omitempty"`
	Rate       *RateData       `json:"rate,omitempty"`
	Threshold  *ThresholdData  `json:"threshold,omitempty"`
	Deduction  *AmountData     `json:"deduction,omitempty"`
	Exemption  *AmountData     `json:"exemption,omitempty"`
	Allowance  *AmountData     `json:"allowance,omitempty"`
	Definition *DefinitionData `json:"definition,omitempty"`
}

// BracketData carries a progressive bracket table.
type BracketData struct {
	Brackets []TaxBracket `json:"brackets"`
}

// RateData carries a flat rate (stored as a fraction, e.g. 0.06 for 6%).
type RateData struct {
	Rate      float64 `json:"rate"`
	AppliesTo string  `json:"applies_to,omitempty"`
	Unit      string  `json:"unit,omitempty"`
}

// ThresholdData carries a monetary threshold such as a registration floor
// or a tax-free allowance boundary.
type ThresholdData struct {
	Amount    float64 `json:"amount"`
	Variable  string  `json:"variable,omitempty"`
	Direction string  `json:"direction,omitempty"` // above | below
}

// AmountData carries a deduction, exemption, or allowance amount.
type AmountData struct {
	Amount    float64 `json:"amount"`
	AppliesTo string  `json:"applies_to,omitempty"`
	CapAmount float64 `json:"cap_amount,omitempty"`
}

// DefinitionData carries a term definition.
type DefinitionData struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// ParseRuleData decodes a raw JSON payload into the union slot matching the
// given category.
func ParseRuleData(category RuleCategory, raw json.RawMessage) (RuleData, error) {
	var rd RuleData
	var err error
	switch category {
	case CategoryBracket:
		rd.Bracket = &BracketData{}
		err = json.Unmarshal(raw, rd.Bracket)
	case CategoryRate:
		rd.Rate = &RateData{}
		err = json.Unmarshal(raw, rd.Rate)
	case CategoryThreshold:
		rd.Threshold = &ThresholdData{}
		err = json.Unmarshal(raw, rd.Threshold)
	case CategoryDeduction:
		rd.Deduction = &AmountData{}
		err = json.Unmarshal(raw, rd.Deduction)
	case CategoryExemption:
		rd.Exemption = &AmountData{}
		err = json.Unmarshal(raw, rd.Exemption)
	case CategoryAllowance:
		rd.Allowance = &AmountData{}
		err = json.Unmarshal(raw, rd.Allowance)
	default:
		return rd, eris.Errorf("model: unknown rule category %q", category)
	}
	if err != nil {
		return RuleData{}, eris.Wrapf(err, "model: parse %s payload", category)
	}
	return rd, nil
}

// Category returns the category implied by which union slot is populated,
// or "" when the payload is empty.
func (rd RuleData) Category() RuleCategory {
	switch {
	case rd.Bracket != nil:
		return CategoryBracket
	case rd.Rate != nil:
		return CategoryRate
	case rd.Threshold != nil:
		return CategoryThreshold
	case rd.Deduction != nil:
		return CategoryDeduction
	case rd.Exemption != nil:
		return CategoryExemption
	case rd.Allowance != nil:
		return CategoryAllowance
	case rd.Definition != nil:
		return CategoryDefinition
	}
	return ""
}

// CategoryDefinition payloads arrive only through aggregation of definition
// aspects, never as standalone evidence categories, so it sits outside the
// evidence category enum.
const CategoryDefinition RuleCategory = "definition"
