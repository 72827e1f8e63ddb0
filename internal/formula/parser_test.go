package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

func TestParse_Precedence(t *testing.T) {
	node, err := Parse("a + b * c")
	require.NoError(t, err)

	bin, ok := node.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "+", bin.Op)

	right, ok := bin.Right.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "*", right.Op)
}

func TestParse_ParensOverridePrecedence(t *testing.T) {
	node, err := Parse("(a + b) * c")
	require.NoError(t, err)

	bin, ok := node.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "*", bin.Op)
}

func TestParse_UnaryMinus(t *testing.T) {
	node, err := Parse("-gross_income + 100")
	require.NoError(t, err)
	assert.Equal(t, []string{"gross_income"}, Variables(node))
}

func TestParse_Calls(t *testing.T) {
	node, err := Parse("max(taxable_income - personal_relief, 0)")
	require.NoError(t, err)

	call, ok := node.(*Call)
	require.True(t, ok)
	assert.Equal(t, "max", call.Func)
	assert.Equal(t, []string{"personal_relief", "taxable_income"}, Variables(node))
}

func TestParse_BracketCall(t *testing.T) {
	node, err := Parse("bracket(taxable_income)")
	require.NoError(t, err)

	call, ok := node.(*Call)
	require.True(t, ok)
	assert.Equal(t, "bracket", call.Func)
	require.Len(t, call.Args, 1)
}

func TestParse_Comparison(t *testing.T) {
	node, err := Parse("annual_turnover >= 80000000")
	require.NoError(t, err)

	bin, ok := node.(*Binary)
	require.True(t, ok)
	assert.Equal(t, ">=", bin.Op)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"dangling operator", "a +"},
		{"unclosed paren", "(a + b"},
		{"unknown function", "sqrt(x)"},
		{"wrong arity", "min(a)"},
		{"bad arity bracket", "bracket(a, b)"},
		{"single equals", "a = b"},
		{"double dot", "1.2.3"},
		{"stray char", "a $ b"},
		{"trailing garbage", "a + b)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			require.Error(t, err)

			errType, _ := model.ClassifyError(err)
			assert.Equal(t, model.ErrFormulaParse, errType)
		})
	}
}
