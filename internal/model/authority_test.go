package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorityRank_Ordering(t *testing.T) {
	ordered := []SourceAuthority{
		AuthorityAct, AuthorityGazette, AuthorityRegulation, AuthorityCircular,
		AuthorityRuling, AuthorityGuideline, AuthorityNotice, AuthorityOther,
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Greater(t, ordered[i].Rank(), ordered[i+1].Rank(),
			"%s must outrank %s", ordered[i], ordered[i+1])
	}
}

func TestAuthorityRank_UnknownRanksAsOther(t *testing.T) {
	assert.Equal(t, AuthorityOther.Rank(), SourceAuthority("memo").Rank())
	assert.False(t, SourceAuthority("memo").Valid())
	assert.True(t, AuthorityAct.Valid())
}

func TestRuleType_Valid(t *testing.T) {
	assert.True(t, RuleTypeIncomeTax.Valid())
	assert.True(t, RuleTypeSSCL.Valid())
	assert.False(t, RuleType("customs").Valid())
}

func TestConflictStatus_Terminal(t *testing.T) {
	assert.False(t, ConflictOpen.Terminal())
	assert.False(t, ConflictUnderReview.Terminal())
	assert.True(t, ConflictResolved.Terminal())
	assert.True(t, ConflictDismissed.Terminal())
}
