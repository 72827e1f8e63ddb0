package formula

import "sort"

// Node is one node of a parsed formula expression tree.
type Node interface {
	walk(fn func(Node))
}

// NumberLit is a numeric literal.
type NumberLit struct {
	Value float64
}

// VarRef references a canonical variable by key.
type VarRef struct {
	Key string
}

// Unary is a prefix operation. Only negation is supported.
type Unary struct {
	Op      string
	Operand Node
}

// Binary is an infix arithmetic or comparison operation.
type Binary struct {
	Op          string
	Left, Right Node
}

// Call is a builtin function invocation: min, max, or bracket.
type Call struct {
	Func string
	Args []Node
}

func (n *NumberLit) walk(fn func(Node)) { fn(n) }
func (n *VarRef) walk(fn func(Node))    { fn(n) }

func (n *Unary) walk(fn func(Node)) {
	fn(n)
	n.Operand.walk(fn)
}

func (n *Binary) walk(fn func(Node)) {
	fn(n)
	n.Left.walk(fn)
	n.Right.walk(fn)
}

func (n *Call) walk(fn func(Node)) {
	fn(n)
	for _, a := range n.Args {
		a.walk(fn)
	}
}

// Variables returns the sorted set of variable keys referenced by the tree.
func Variables(root Node) []string {
	seen := map[string]struct{}{}
	root.walk(func(n Node) {
		if v, ok := n.(*VarRef); ok {
			seen[v.Key] = struct{}{}
		}
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
