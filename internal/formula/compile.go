package formula

import (
	"fmt"
	"sort"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// CompiledFormula is one parsed calculation step.
type CompiledFormula struct {
	OutputVariable   string
	Expression       string
	CalculationOrder int
	AST              Node

	// Inputs are the variable keys the expression reads, split between
	// outputs of earlier steps and externally supplied values.
	Inputs []string
}

// CompiledSet is a rule's full formula set in executable order.
type CompiledSet struct {
	// Steps are topologically sorted: every step's formula inputs are
	// produced by earlier steps or supplied as external inputs.
	Steps []CompiledFormula

	// ExternalInputs are the variable keys no formula produces; callers
	// must supply them at calculation time.
	ExternalInputs []string
}

// Compile parses a rule's active formulas and orders them for execution.
// knownVariable reports whether a key is a registered canonical variable.
//
// Failure modes: a syntax error in any expression is a formula_parse_error;
// an identifier that is neither a formula output nor a known variable is a
// variable_missing; duplicate outputs, dependency cycles, and a declared
// calculation_order inconsistent with the dependency graph are
// rule_validation_failed.
func Compile(formulas []model.RuleFormula, knownVariable func(key string) bool) (*CompiledSet, error) {
	active := make([]model.RuleFormula, 0, len(formulas))
	for _, f := range formulas {
		if f.Status == model.FormulaActive {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil, model.NewCalcError(model.ErrRuleValidation, "formula_compile",
			"rule has no active formulas")
	}

	byOutput := make(map[string]*CompiledFormula, len(active))
	steps := make([]*CompiledFormula, 0, len(active))
	for _, f := range active {
		if _, dup := byOutput[f.OutputVariable]; dup {
			return nil, model.NewCalcError(model.ErrRuleValidation, "formula_compile",
				fmt.Sprintf("duplicate output variable %q", f.OutputVariable))
		}
		ast, err := Parse(f.Expression)
		if err != nil {
			return nil, err
		}
		cf := &CompiledFormula{
			OutputVariable:   f.OutputVariable,
			Expression:       f.Expression,
			CalculationOrder: f.CalculationOrder,
			AST:              ast,
			Inputs:           Variables(ast),
		}
		byOutput[f.OutputVariable] = cf
		steps = append(steps, cf)
	}

	externalSet := map[string]struct{}{}
	for _, cf := range steps {
		for _, in := range cf.Inputs {
			if in == cf.OutputVariable {
				return nil, model.NewCalcError(model.ErrRuleValidation, "dependency_resolution",
					fmt.Sprintf("formula for %q references itself", cf.OutputVariable))
			}
			if _, produced := byOutput[in]; produced {
				continue
			}
			if knownVariable != nil && !knownVariable(in) {
				return nil, model.NewCalcError(model.ErrVariableMissing, "dependency_resolution",
					fmt.Sprintf("unknown variable %q in formula for %q", in, cf.OutputVariable))
			}
			externalSet[in] = struct{}{}
		}
	}

	ordered, err := toposort(steps, byOutput)
	if err != nil {
		return nil, err
	}

	// The declared calculation_order must agree with the graph: every
	// dependency produced by another formula must be declared earlier.
	for _, cf := range ordered {
		for _, in := range cf.Inputs {
			dep, produced := byOutput[in]
			if produced && dep.CalculationOrder >= cf.CalculationOrder {
				return nil, model.NewCalcError(model.ErrRuleValidation, "dependency_resolution",
					fmt.Sprintf("calculation_order of %q (%d) must be after its dependency %q (%d)",
						cf.OutputVariable, cf.CalculationOrder, in, dep.CalculationOrder))
			}
		}
	}

	external := make([]string, 0, len(externalSet))
	for k := range externalSet {
		external = append(external, k)
	}
	sort.Strings(external)

	out := &CompiledSet{ExternalInputs: external}
	for _, cf := range ordered {
		out.Steps = append(out.Steps, *cf)
	}
	return out, nil
}

// toposort runs Kahn's algorithm over the produced-by graph. Ready steps are
// drained in (calculation_order, output) order so compilation is
// deterministic.
func toposort(steps []*CompiledFormula, byOutput map[string]*CompiledFormula) ([]*CompiledFormula, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, cf := range steps {
		indegree[cf.OutputVariable] = 0
	}
	for _, cf := range steps {
		for _, in := range cf.Inputs {
			if _, produced := byOutput[in]; produced {
				indegree[cf.OutputVariable]++
				dependents[in] = append(dependents[in], cf.OutputVariable)
			}
		}
	}

	var ready []*CompiledFormula
	for _, cf := range steps {
		if indegree[cf.OutputVariable] == 0 {
			ready = append(ready, cf)
		}
	}

	var ordered []*CompiledFormula
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].CalculationOrder != ready[j].CalculationOrder {
				return ready[i].CalculationOrder < ready[j].CalculationOrder
			}
			return ready[i].OutputVariable < ready[j].OutputVariable
		})
		cf := ready[0]
		ready = ready[1:]
		ordered = append(ordered, cf)

		for _, dep := range dependents[cf.OutputVariable] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, byOutput[dep])
			}
		}
	}

	if len(ordered) != len(steps) {
		var stuck []string
		for out, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, out)
			}
		}
		sort.Strings(stuck)
		return nil, model.NewCalcError(model.ErrRuleValidation, "dependency_resolution",
			fmt.Sprintf("dependency cycle involving %v", stuck))
	}
	return ordered, nil
}
