package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

func evalExpr(t *testing.T, expr string, env *Env) (float64, error) {
	t.Helper()
	node, err := Parse(expr)
	require.NoError(t, err)
	return Eval(node, env)
}

func TestEval_Arithmetic(t *testing.T) {
	env := &Env{Vars: map[string]float64{"a": 10, "b": 4}}

	tests := []struct {
		expr string
		want float64
	}{
		{"a + b", 14},
		{"a - b", 6},
		{"a * b", 40},
		{"a / b", 2.5},
		{"-a + b", -6},
		{"(a + b) * 2", 28},
		{"min(a, b)", 4},
		{"max(a, b)", 10},
		{"a > b", 1},
		{"a <= b", 0},
		{"a != b", 1},
		{"1.5 * 2", 3},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalExpr(t, tt.expr, env)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEval_MissingVariable(t *testing.T) {
	_, err := evalExpr(t, "gross_income * 12", &Env{Vars: map[string]float64{}})
	require.Error(t, err)

	errType, step := model.ClassifyError(err)
	assert.Equal(t, model.ErrVariableMissing, errType)
	assert.Equal(t, "resolving_variables", step)
}

func TestEval_DivisionByZero(t *testing.T) {
	_, err := evalExpr(t, "a / b", &Env{Vars: map[string]float64{"a": 1, "b": 0}})
	require.Error(t, err)

	errType, _ := model.ClassifyError(err)
	assert.Equal(t, model.ErrOverflow, errType)
}

func TestEval_CeilingEnforced(t *testing.T) {
	env := &Env{Vars: map[string]float64{"a": 1e10}, Ceiling: 1e15}

	_, err := evalExpr(t, "a * a", env)
	require.Error(t, err)
	errType, _ := model.ClassifyError(err)
	assert.Equal(t, model.ErrOverflow, errType)

	// Under the ceiling evaluates cleanly.
	got, err := evalExpr(t, "a * 2", env)
	require.NoError(t, err)
	assert.InDelta(t, 2e10, got, 1)
}

func TestEval_BracketCallback(t *testing.T) {
	env := &Env{
		Vars: map[string]float64{"taxable_income": 1000000},
		Bracket: func(income float64) (float64, error) {
			assert.InDelta(t, 1000000, income, 1e-9)
			return 45000, nil
		},
	}

	got, err := evalExpr(t, "bracket(taxable_income)", env)
	require.NoError(t, err)
	assert.InDelta(t, 45000, got, 1e-9)
}

func TestEval_BracketWithoutTable(t *testing.T) {
	_, err := evalExpr(t, "bracket(x)", &Env{Vars: map[string]float64{"x": 1}})
	require.Error(t, err)
	errType, _ := model.ClassifyError(err)
	assert.Equal(t, model.ErrRuleValidation, errType)
}
