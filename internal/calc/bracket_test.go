package calc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

func fptr(v float64) *float64 { return &v }

// payeBrackets is the 2025 PAYE table as published, with the usual
// inclusive integer bounds (500001..750000).
func payeBrackets() []model.TaxBracket {
	return []model.TaxBracket{
		{MinIncome: 0, MaxIncome: fptr(500000), Rate: 0, FixedAmount: 0, BracketOrder: 1},
		{MinIncome: 500001, MaxIncome: fptr(750000), Rate: 0.06, FixedAmount: 0, BracketOrder: 2},
		{MinIncome: 750001, MaxIncome: fptr(1500000), Rate: 0.12, FixedAmount: 15000, BracketOrder: 3},
		{MinIncome: 1500001, MaxIncome: nil, Rate: 0.18, FixedAmount: 105000, BracketOrder: 4},
	}
}

func TestBracketTax_ProgressiveTable(t *testing.T) {
	tests := []struct {
		name     string
		income   float64
		want     float64
		portions int
	}{
		{"zero income", 0, 0, 0},
		{"inside free bracket", 400000, 0, 0},
		{"at free bracket boundary", 500000, 0, 0},
		{"inside second bracket", 600000, 6000, 1},
		{"at second bracket boundary", 750000, 15000, 1},
		{"inside third bracket", 1000000, 45000, 2},
		{"inside open bracket", 2000000, 195000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, portions, err := BracketTax(payeBrackets(), tt.income)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, total, 0.001)
			assert.Len(t, portions, tt.portions)

			sum := 0.0
			for _, p := range portions {
				sum += p.Amount
			}
			assert.InDelta(t, total, sum, 0.001, "portions must sum to the total")
		})
	}
}

func TestBracketTax_WorkedExample(t *testing.T) {
	total, portions, err := BracketTax(payeBrackets(), 1000000)
	require.NoError(t, err)
	assert.InDelta(t, 45000.0, total, 0.001)

	require.Len(t, portions, 2)
	assert.Equal(t, 2, portions[0].BracketOrder)
	assert.InDelta(t, 15000.0, portions[0].Amount, 0.001)
	assert.InDelta(t, 0.06, portions[0].Rate, 1e-9)
	assert.Equal(t, 3, portions[1].BracketOrder)
	assert.InDelta(t, 30000.0, portions[1].Amount, 0.001)
	assert.InDelta(t, 0.12, portions[1].Rate, 1e-9)
}

func TestBracketTax_ContinuousAtBoundaries(t *testing.T) {
	brackets := payeBrackets()
	for _, boundary := range []float64{500000, 750000, 1500000} {
		below, _, err := BracketTax(brackets, boundary-0.01)
		require.NoError(t, err)
		above, _, err := BracketTax(brackets, boundary+0.01)
		require.NoError(t, err)
		assert.InDelta(t, below, above, 0.01, "discontinuity at %.0f", boundary)
	}
}

func TestBracketTax_MonotonicInIncome(t *testing.T) {
	brackets := payeBrackets()
	prev := -1.0
	for income := 0.0; income <= 2000000; income += 50000 {
		total, _, err := BracketTax(brackets, income)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, total, prev)
		prev = total
	}
}

func TestBracketTax_ShorthandFixedAmount(t *testing.T) {
	// fixed_amount does not match the enumerated lower slices, so the
	// lower contribution collapses into one cumulative line.
	brackets := []model.TaxBracket{
		{MinIncome: 0, MaxIncome: fptr(100000), Rate: 0, FixedAmount: 0, BracketOrder: 1},
		{MinIncome: 100001, MaxIncome: nil, Rate: 0.1, FixedAmount: 20000, BracketOrder: 2},
	}
	total, portions, err := BracketTax(brackets, 200000)
	require.NoError(t, err)
	assert.InDelta(t, 30000.0, total, 0.001)

	require.Len(t, portions, 2)
	assert.InDelta(t, 20000.0, portions[0].Amount, 0.001)
	assert.InDelta(t, 10000.0, portions[1].Amount, 0.001)
}

func TestBracketTax_NegativeIncome(t *testing.T) {
	_, _, err := BracketTax(payeBrackets(), -1)
	require.Error(t, err)
	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
	assert.Equal(t, "evaluating", step)
}

func TestBracketTax_MalformedTable(t *testing.T) {
	brackets := []model.TaxBracket{
		{MinIncome: 0, MaxIncome: fptr(100000), Rate: 0, BracketOrder: 1},
		{MinIncome: 200000, MaxIncome: nil, Rate: 0.1, BracketOrder: 2},
	}
	_, _, err := BracketTax(brackets, 50000)
	require.Error(t, err)
	errType, _ := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
}

func TestRounding(t *testing.T) {
	assert.InDelta(t, 45000.46, round2(45000.456), 1e-9)
	assert.InDelta(t, 45000.0, round2(45000.0), 1e-9)
	assert.InDelta(t, 0.1235, round4(0.123456), 1e-9)
}
