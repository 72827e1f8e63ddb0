package formula

import (
	"fmt"
	"strconv"

	"github.com/revenuelab/taxrules-cli/internal/model"
)

// Builtins are the callable functions available in formula expressions.
// bracket evaluates the owning rule's bracket table against its argument.
var Builtins = map[string]int{
	"min":     2,
	"max":     2,
	"bracket": 1,
}

type parser struct {
	lex  *lexer
	cur  token
	expr string
}

// Parse compiles a formula expression into an AST. Any syntax error is
// reported as a formula_parse_error.
func Parse(expr string) (Node, error) {
	p := &parser{lex: &lexer{input: expr}, expr: expr}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, p.errorf("unexpected %q after expression", p.cur.text)
	}
	return node, nil
}

func (p *parser) errorf(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return model.NewCalcError(model.ErrFormulaParse, "formula_parse",
		fmt.Sprintf("%s in %q", msg, p.expr))
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return model.NewCalcError(model.ErrFormulaParse, "formula_parse",
			fmt.Sprintf("%s in %q", err.Error(), p.expr))
	}
	p.cur = tok
	return nil
}

// parseExpr handles the optional top-level comparison.
func (p *parser) parseExpr() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}

	var op string
	switch p.cur.kind {
	case tokLT:
		op = "<"
	case tokLE:
		op = "<="
	case tokGT:
		op = ">"
	case tokGE:
		op = ">="
	case tokEQ:
		op = "=="
	case tokNE:
		op = "!="
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return &Binary{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokPlus || p.cur.kind == tokMinus {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMul() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokStar || p.cur.kind == tokSlash {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.cur.kind == tokMinus {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "-", Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.kind {
	case tokNumber:
		val, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, p.errorf("malformed number %q", p.cur.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &NumberLit{Value: val}, nil

	case tokIdent:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokLParen {
			return &VarRef{Key: name}, nil
		}
		return p.parseCall(name)

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		node, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, p.errorf("missing closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return node, nil
	}
	return nil, p.errorf("unexpected %q", p.cur.text)
}

func (p *parser) parseCall(name string) (Node, error) {
	arity, ok := Builtins[name]
	if !ok {
		return nil, p.errorf("unknown function %q", name)
	}

	// consume '('
	if err := p.advance(); err != nil {
		return nil, err
	}

	var args []Node
	if p.cur.kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.cur.kind != tokRParen {
		return nil, p.errorf("missing closing parenthesis in call to %s", name)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if len(args) != arity {
		return nil, p.errorf("%s expects %d argument(s), got %d", name, arity, len(args))
	}
	return &Call{Func: name, Args: args}, nil
}
