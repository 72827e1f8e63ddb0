package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

func TestTolerance_Equal(t *testing.T) {
	tol := tolerance{relative: 0.0001, absolute: 0.01}

	assert.True(t, tol.equal(100000, 100000))
	assert.True(t, tol.equal(100000, 100005), "within relative tolerance")
	assert.False(t, tol.equal(100000, 100100))
	assert.True(t, tol.equal(0, 0.005), "absolute floor near zero")
	assert.False(t, tol.equal(0, 0.5))
}

func TestAgree_Rates(t *testing.T) {
	tol := tolerance{relative: 0.0001, absolute: 0.0001}
	a := model.RuleData{Rate: &model.RateData{Rate: 0.06}}
	b := model.RuleData{Rate: &model.RateData{Rate: 0.06}}
	c := model.RuleData{Rate: &model.RateData{Rate: 0.08}}

	assert.True(t, agree(a, b, tol))
	assert.False(t, agree(a, c, tol))
}

func TestAgree_MismatchedCategories(t *testing.T) {
	tol := tolerance{relative: 0.0001, absolute: 0.01}
	rate := model.RuleData{Rate: &model.RateData{Rate: 0.06}}
	threshold := model.RuleData{Threshold: &model.ThresholdData{Amount: 0.06}}

	assert.False(t, agree(rate, threshold, tol))
}

func TestAgree_Brackets(t *testing.T) {
	tol := tolerance{relative: 0.0001, absolute: 0.01}
	mk := func(rate float64) model.RuleData {
		top := 500000.0
		return model.RuleData{Bracket: &model.BracketData{Brackets: []model.TaxBracket{
			{MinIncome: 0, MaxIncome: &top, Rate: 0, BracketOrder: 0},
			{MinIncome: 500001, Rate: rate, BracketOrder: 1},
		}}}
	}

	assert.True(t, agree(mk(0.06), mk(0.06), tol))
	assert.False(t, agree(mk(0.06), mk(0.08), tol))
}

func TestAgree_Definitions(t *testing.T) {
	tol := tolerance{}
	a := model.RuleData{Definition: &model.DefinitionData{Term: "resident", Definition: "Present  183 days"}}
	b := model.RuleData{Definition: &model.DefinitionData{Term: "resident", Definition: "present 183 days"}}
	c := model.RuleData{Definition: &model.DefinitionData{Term: "resident", Definition: "present 180 days"}}

	assert.True(t, agree(a, b, tol), "whitespace and case insensitive")
	assert.False(t, agree(a, c, tol))
}

func TestSummarize(t *testing.T) {
	top := 500000.0
	data := model.RuleData{Bracket: &model.BracketData{Brackets: []model.TaxBracket{
		{MinIncome: 0, MaxIncome: &top, Rate: 0.06, BracketOrder: 0},
		{MinIncome: 500001, Rate: 0.12, FixedAmount: 30000, BracketOrder: 1},
	}}}

	s := summarize(data)
	assert.Contains(t, s, "6%")
	assert.Contains(t, s, "open")

	assert.Equal(t, "rate=0.06", summarize(model.RuleData{Rate: &model.RateData{Rate: 0.06}}))
	assert.Equal(t, "empty payload", summarize(model.RuleData{}))
}
