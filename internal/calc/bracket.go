package calc

import (
	"fmt"
	"math"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// BracketPortion is one bracket's contribution to a progressive calculation.
type BracketPortion struct {
	BracketOrder int
	Lower        float64
	Upper        *float64
	Rate         float64
	Amount       float64
}

// BracketTax evaluates a progressive bracket table against an income.
//
// The table is normalized first (sorted, contiguous, effective lower bounds).
// The total is anchored on the containing bracket: its fixed_amount is the
// cumulative tax at bracket entry, plus rate times the taxable slice above
// the entry point. Portions break the total down per entered bracket; when
// the lower brackets' slice contributions do not reconcile with the
// containing bracket's fixed_amount, a single cumulative portion is reported
// instead so the portions always sum to the total.
//
// tax(income) is continuous and non-decreasing in income, and tax(0) = 0
// whenever the first bracket's rate is zero.
func BracketTax(brackets []model.TaxBracket, income float64) (float64, []BracketPortion, error) {
	if income < 0 {
		return 0, nil, model.NewCalcError(model.ErrRuleValidation, "evaluating",
			fmt.Sprintf("negative income %g", income))
	}

	normalized, err := model.NormalizeBrackets(brackets)
	if err != nil {
		return 0, nil, model.WrapCalcError(model.ErrRuleValidation, "evaluating", err)
	}

	// Locate the containing bracket: the last one whose lower bound is
	// below the income (the first bracket contains zero income).
	containing := 0
	for i := 1; i < len(normalized); i++ {
		if income > normalized[i].MinIncome {
			containing = i
		}
	}

	c := normalized[containing]
	slice := income - c.MinIncome
	total := c.FixedAmount + c.Rate*slice

	var portions []BracketPortion
	lowerSum := 0.0
	for i := 0; i < containing; i++ {
		b := normalized[i]
		amount := b.Rate * (*b.MaxIncome - b.MinIncome)
		lowerSum += amount
		if amount != 0 {
			portions = append(portions, BracketPortion{
				BracketOrder: b.BracketOrder,
				Lower:        b.MinIncome,
				Upper:        b.MaxIncome,
				Rate:         b.Rate,
				Amount:       amount,
			})
		}
	}

	// fixed_amount disagreeing with the enumerated lower slices means the
	// table is a shorthand; collapse the lower portion into one line.
	if math.Abs(lowerSum-c.FixedAmount) > 0.01 {
		portions = portions[:0]
		if c.FixedAmount != 0 {
			portions = append(portions, BracketPortion{
				BracketOrder: c.BracketOrder,
				Lower:        0,
				Upper:        &c.MinIncome,
				Rate:         0,
				Amount:       c.FixedAmount,
			})
		}
	}

	if top := c.Rate * slice; top != 0 {
		portions = append(portions, BracketPortion{
			BracketOrder: c.BracketOrder,
			Lower:        c.MinIncome,
			Upper:        c.MaxIncome,
			Rate:         c.Rate,
			Amount:       top,
		})
	}

	return total, portions, nil
}
