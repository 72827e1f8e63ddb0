package model

import (
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// boundarySlack absorbs the inclusive-integer convention in source tables
// where a bracket starting at 500001 adjoins one ending at 500000.
const boundarySlack = 1.0

// NormalizeBrackets sorts a bracket table by bracket_order and validates the
// ordering invariant: orders unique, bounds contiguous and non-overlapping,
// and only the last bracket open-ended. The returned slice carries effective
// lower bounds: each bracket's lower bound is the previous bracket's upper
// bound, so slice arithmetic is exact at boundaries regardless of whether the
// source table used inclusive integer bounds.
func NormalizeBrackets(brackets []TaxBracket) ([]TaxBracket, error) {
	if len(brackets) == 0 {
		return nil, eris.New("model: empty bracket table")
	}

	out := make([]TaxBracket, len(brackets))
	copy(out, brackets)
	sort.Slice(out, func(i, j int) bool { return out[i].BracketOrder < out[j].BracketOrder })

	for i := range out {
		b := &out[i]
		if i > 0 && b.BracketOrder == out[i-1].BracketOrder {
			return nil, eris.Errorf("model: duplicate bracket_order %d", b.BracketOrder)
		}
		if b.Rate < 0 {
			return nil, eris.Errorf("model: negative rate in bracket %d", b.BracketOrder)
		}
		if b.MaxIncome != nil && *b.MaxIncome <= b.MinIncome {
			return nil, eris.Errorf("model: bracket %d has max_income <= min_income", b.BracketOrder)
		}
		if b.MaxIncome == nil && i != len(out)-1 {
			return nil, eris.Errorf("model: bracket %d is open-ended but not last", b.BracketOrder)
		}
		if i > 0 {
			prev := out[i-1]
			if prev.MaxIncome == nil {
				return nil, eris.Errorf("model: bracket %d follows an open-ended bracket", b.BracketOrder)
			}
			if math.Abs(b.MinIncome-*prev.MaxIncome) > boundarySlack {
				return nil, eris.Errorf("model: gap or overlap between brackets %d and %d",
					prev.BracketOrder, b.BracketOrder)
			}
			b.MinIncome = *prev.MaxIncome
		}
	}
	return out, nil
}
