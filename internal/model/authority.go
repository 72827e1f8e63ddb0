package model

// SourceAuthority is the legal standing of the document a rule came from.
type SourceAuthority string

const (
	AuthorityAct        SourceAuthority = "act"
	AuthorityGazette    SourceAuthority = "gazette"
	AuthorityRegulation SourceAuthority = "regulation"
	AuthorityCircular   SourceAuthority = "circular"
	AuthorityRuling     SourceAuthority = "ruling"
	AuthorityGuideline  SourceAuthority = "guideline"
	AuthorityNotice     SourceAuthority = "notice"
	AuthorityOther      SourceAuthority = "other"
)

// authorityRank maps authorities to numeric ranks for precedence comparison.
// Higher rank wins. The source schema only implies this ordering through an
// enumerated check constraint, so the rank table is defined explicitly here:
// primary legislation (Act) outranks everything, gazetted amendments outrank
// regulations, and administrative guidance ranks below all of those.
var authorityRank = map[SourceAuthority]int{
	AuthorityAct:        7,
	AuthorityGazette:    6,
	AuthorityRegulation: 5,
	AuthorityCircular:   4,
	AuthorityRuling:     3,
	AuthorityGuideline:  2,
	AuthorityNotice:     1,
	AuthorityOther:      0,
}

// Rank returns the precedence rank of the authority. Unrecognized
// authorities rank alongside AuthorityOther.
func (a SourceAuthority) Rank() int {
	return authorityRank[a]
}

// Valid reports whether a is a recognized authority value.
func (a SourceAuthority) Valid() bool {
	_, ok := authorityRank[a]
	return ok
}
