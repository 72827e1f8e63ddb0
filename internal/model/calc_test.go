package model

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError_SurvivesWrapping(t *testing.T) {
	base := NewCalcError(ErrVariableMissing, "resolve_inputs", "gross_income unmapped")
	wrapped := eris.Wrap(base, "calc: execute")

	typ, step := ClassifyError(wrapped)
	assert.Equal(t, ErrVariableMissing, typ)
	assert.Equal(t, "resolve_inputs", step)
}

func TestClassifyError_UnknownFallback(t *testing.T) {
	typ, step := ClassifyError(eris.New("boom"))
	assert.Equal(t, ErrUnknown, typ)
	assert.Empty(t, step)
}

func TestErrorType_Retryable(t *testing.T) {
	assert.True(t, ErrDatabase.Retryable())
	assert.True(t, ErrUnknown.Retryable())
	assert.False(t, ErrFormulaParse.Retryable())
	assert.False(t, ErrVariableMissing.Retryable())
	assert.False(t, ErrOverflow.Retryable())
	assert.False(t, ErrRuleValidation.Retryable())
}
