package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// NormalizeTerm reduces a raw extracted term to its canonical lookup form:
// NFKC-normalized, case-folded, with every run of whitespace or punctuation
// collapsed to a single underscore. "Gross  Salary (LKR)" and "gross salary
// lkr" normalize identically.
func NormalizeTerm(raw string) string {
	s := norm.NFKC.String(raw)
	s = foldCaser.String(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
