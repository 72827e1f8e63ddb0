package formula

import (
	"fmt"
	"math"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// Env supplies runtime values and limits for expression evaluation.
type Env struct {
	// Vars holds resolved variable values, both external inputs and
	// outputs of already-evaluated steps.
	Vars map[string]float64

	// Bracket evaluates the owning rule's bracket table.
	Bracket func(income float64) (float64, error)

	// Ceiling bounds the magnitude of every intermediate value. Zero
	// means unbounded.
	Ceiling float64
}

// Eval evaluates a parsed expression. Comparison operators yield 1 or 0.
func Eval(node Node, env *Env) (float64, error) {
	val, err := evalNode(node, env)
	if err != nil {
		return 0, err
	}
	return val, nil
}

func evalNode(node Node, env *Env) (float64, error) {
	switch n := node.(type) {
	case *NumberLit:
		return n.Value, nil

	case *VarRef:
		val, ok := env.Vars[n.Key]
		if !ok {
			return 0, model.NewCalcError(model.ErrVariableMissing, "resolving_variables",
				fmt.Sprintf("no value for variable %q", n.Key))
		}
		return val, nil

	case *Unary:
		operand, err := evalNode(n.Operand, env)
		if err != nil {
			return 0, err
		}
		return -operand, nil

	case *Binary:
		left, err := evalNode(n.Left, env)
		if err != nil {
			return 0, err
		}
		right, err := evalNode(n.Right, env)
		if err != nil {
			return 0, err
		}
		return applyBinary(n.Op, left, right, env)

	case *Call:
		args := make([]float64, len(n.Args))
		for i, a := range n.Args {
			val, err := evalNode(a, env)
			if err != nil {
				return 0, err
			}
			args[i] = val
		}
		return applyCall(n.Func, args, env)
	}
	return 0, model.NewCalcError(model.ErrUnknown, "evaluating",
		fmt.Sprintf("unhandled node type %T", node))
}

func applyBinary(op string, left, right float64, env *Env) (float64, error) {
	var result float64
	switch op {
	case "+":
		result = left + right
	case "-":
		result = left - right
	case "*":
		result = left * right
	case "/":
		if right == 0 {
			return 0, model.NewCalcError(model.ErrOverflow, "evaluating", "division by zero")
		}
		result = left / right
	case "<":
		return boolVal(left < right), nil
	case "<=":
		return boolVal(left <= right), nil
	case ">":
		return boolVal(left > right), nil
	case ">=":
		return boolVal(left >= right), nil
	case "==":
		return boolVal(left == right), nil
	case "!=":
		return boolVal(left != right), nil
	default:
		return 0, model.NewCalcError(model.ErrUnknown, "evaluating",
			fmt.Sprintf("unhandled operator %q", op))
	}
	return checkMagnitude(result, env)
}

func applyCall(name string, args []float64, env *Env) (float64, error) {
	switch name {
	case "min":
		return math.Min(args[0], args[1]), nil
	case "max":
		return math.Max(args[0], args[1]), nil
	case "bracket":
		if env.Bracket == nil {
			return 0, model.NewCalcError(model.ErrRuleValidation, "evaluating",
				"bracket() used by a rule with no bracket table")
		}
		result, err := env.Bracket(args[0])
		if err != nil {
			return 0, err
		}
		return checkMagnitude(result, env)
	}
	return 0, model.NewCalcError(model.ErrFormulaParse, "evaluating",
		fmt.Sprintf("unknown function %q", name))
}

func checkMagnitude(v float64, env *Env) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, model.NewCalcError(model.ErrOverflow, "evaluating", "non-finite intermediate value")
	}
	if env.Ceiling > 0 && math.Abs(v) > env.Ceiling {
		return 0, model.NewCalcError(model.ErrOverflow, "evaluating",
			fmt.Sprintf("intermediate value %g exceeds ceiling %g", v, env.Ceiling))
	}
	return v, nil
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
