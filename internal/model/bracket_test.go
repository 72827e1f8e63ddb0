package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }

func TestNormalizeBrackets_SortsAndAdjustsBounds(t *testing.T) {
	brackets := []TaxBracket{
		{MinIncome: 500001, MaxIncome: fptr(750000), Rate: 0.06, BracketOrder: 1},
		{MinIncome: 0, MaxIncome: fptr(500000), Rate: 0, BracketOrder: 0},
		{MinIncome: 750001, MaxIncome: nil, Rate: 0.12, FixedAmount: 15000, BracketOrder: 2},
	}

	out, err := NormalizeBrackets(brackets)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 0, out[0].BracketOrder)
	// Inclusive integer bounds collapse onto the previous upper bound.
	assert.InDelta(t, 500000, out[1].MinIncome, 1e-9)
	assert.InDelta(t, 750000, out[2].MinIncome, 1e-9)
	assert.Nil(t, out[2].MaxIncome)
}

func TestNormalizeBrackets_Errors(t *testing.T) {
	tests := []struct {
		name     string
		brackets []TaxBracket
	}{
		{"empty", nil},
		{"duplicate order", []TaxBracket{
			{MinIncome: 0, MaxIncome: fptr(100), Rate: 0, BracketOrder: 0},
			{MinIncome: 100, MaxIncome: nil, Rate: 0.1, BracketOrder: 0},
		}},
		{"gap", []TaxBracket{
			{MinIncome: 0, MaxIncome: fptr(100), Rate: 0, BracketOrder: 0},
			{MinIncome: 500, MaxIncome: nil, Rate: 0.1, BracketOrder: 1},
		}},
		{"overlap", []TaxBracket{
			{MinIncome: 0, MaxIncome: fptr(100), Rate: 0, BracketOrder: 0},
			{MinIncome: 50, MaxIncome: nil, Rate: 0.1, BracketOrder: 1},
		}},
		{"open bracket not last", []TaxBracket{
			{MinIncome: 0, MaxIncome: nil, Rate: 0, BracketOrder: 0},
			{MinIncome: 100, MaxIncome: nil, Rate: 0.1, BracketOrder: 1},
		}},
		{"inverted bounds", []TaxBracket{
			{MinIncome: 100, MaxIncome: fptr(50), Rate: 0, BracketOrder: 0},
		}},
		{"negative rate", []TaxBracket{
			{MinIncome: 0, MaxIncome: nil, Rate: -0.1, BracketOrder: 0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeBrackets(tt.brackets)
			require.Error(t, err)
		})
	}
}
