package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRuleData_Bracket(t *testing.T) {
	raw := json.RawMessage(`{"brackets":[
		{"min_income":0,"max_income":500000,"rate":0,"fixed_amount":0,"bracket_order":1},
		{"min_income":500001,"max_income":null,"rate":0.06,"fixed_amount":0,"bracket_order":2}
	]}`)

	rd, err := ParseRuleData(CategoryBracket, raw)
	require.NoError(t, err)
	require.NotNil(t, rd.Bracket)
	require.Len(t, rd.Bracket.Brackets, 2)
	assert.Equal(t, CategoryBracket, rd.Category())
	assert.Nil(t, rd.Bracket.Brackets[1].MaxIncome)
	assert.InDelta(t, 0.06, rd.Bracket.Brackets[1].Rate, 1e-9)
}

func TestParseRuleData_Rate(t *testing.T) {
	rd, err := ParseRuleData(CategoryRate, json.RawMessage(`{"rate":0.18,"applies_to":"taxable_supply"}`))
	require.NoError(t, err)
	require.NotNil(t, rd.Rate)
	assert.InDelta(t, 0.18, rd.Rate.Rate, 1e-9)
	assert.Equal(t, CategoryRate, rd.Category())
}

func TestParseRuleData_UnknownCategory(t *testing.T) {
	_, err := ParseRuleData(RuleCategory("levy"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown rule category")
}

func TestParseRuleData_MalformedPayload(t *testing.T) {
	_, err := ParseRuleData(CategoryThreshold, json.RawMessage(`{"amount":"not-a-number"}`))
	require.Error(t, err)
}

func TestRuleData_EmptyCategory(t *testing.T) {
	assert.Equal(t, RuleCategory(""), RuleData{}.Category())
}
