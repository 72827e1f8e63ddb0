package aggregate

import (
	"fmt"
	"math"
	"strings"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// tolerance decides whether two numeric values count as agreeing.
type tolerance struct {
	relative float64
	absolute float64
}

func (t tolerance) equal(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= t.absolute {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= scale*t.relative
}

// agree reports whether two payloads of the same category match within
// tolerance.
func agree(a, b model.RuleData, tol tolerance) bool {
	switch {
	case a.Bracket != nil && b.Bracket != nil:
		return bracketsAgree(a.Bracket.Brackets, b.Bracket.Brackets, tol)
	case a.Rate != nil && b.Rate != nil:
		return tol.equal(a.Rate.Rate, b.Rate.Rate)
	case a.Threshold != nil && b.Threshold != nil:
		return tol.equal(a.Threshold.Amount, b.Threshold.Amount)
	case a.Deduction != nil && b.Deduction != nil:
		return amountsAgree(a.Deduction, b.Deduction, tol)
	case a.Exemption != nil && b.Exemption != nil:
		return amountsAgree(a.Exemption, b.Exemption, tol)
	case a.Allowance != nil && b.Allowance != nil:
		return amountsAgree(a.Allowance, b.Allowance, tol)
	case a.Definition != nil && b.Definition != nil:
		return normalizeText(a.Definition.Definition) == normalizeText(b.Definition.Definition)
	}
	return false
}

func amountsAgree(a, b *model.AmountData, tol tolerance) bool {
	return tol.equal(a.Amount, b.Amount) && tol.equal(a.CapAmount, b.CapAmount)
}

func bracketsAgree(a, b []model.TaxBracket, tol tolerance) bool {
	na, errA := model.NormalizeBrackets(a)
	nb, errB := model.NormalizeBrackets(b)
	if errA != nil || errB != nil {
		return false
	}
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		x, y := na[i], nb[i]
		if !tol.equal(x.MinIncome, y.MinIncome) || !tol.equal(x.Rate, y.Rate) || !tol.equal(x.FixedAmount, y.FixedAmount) {
			return false
		}
		if (x.MaxIncome == nil) != (y.MaxIncome == nil) {
			return false
		}
		if x.MaxIncome != nil && !tol.equal(*x.MaxIncome, *y.MaxIncome) {
			return false
		}
	}
	return true
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// summarize renders a payload for conflict details.
func summarize(data model.RuleData) string {
	switch {
	case data.Bracket != nil:
		parts := make([]string, 0, len(data.Bracket.Brackets))
		for _, b := range data.Bracket.Brackets {
			upper := "open"
			if b.MaxIncome != nil {
				upper = fmt.Sprintf("%g", *b.MaxIncome)
			}
			parts = append(parts, fmt.Sprintf("[%g..%s @ %g%% +%g]", b.MinIncome, upper, b.Rate*100, b.FixedAmount))
		}
		return strings.Join(parts, " ")
	case data.Rate != nil:
		return fmt.Sprintf("rate=%g", data.Rate.Rate)
	case data.Threshold != nil:
		return fmt.Sprintf("threshold=%g", data.Threshold.Amount)
	case data.Deduction != nil:
		return fmt.Sprintf("deduction=%g", data.Deduction.Amount)
	case data.Exemption != nil:
		return fmt.Sprintf("exemption=%g", data.Exemption.Amount)
	case data.Allowance != nil:
		return fmt.Sprintf("allowance=%g", data.Allowance.Amount)
	case data.Definition != nil:
		return fmt.Sprintf("definition of %q", data.Definition.Term)
	}
	return "empty payload"
}
