package formula

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokLParen
	tokRParen
	tokComma
	tokLT
	tokLE
	tokGT
	tokGE
	tokEQ
	tokNE
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch c {
	case '+':
		l.pos++
		return token{tokPlus, "+", start}, nil
	case '-':
		l.pos++
		return token{tokMinus, "-", start}, nil
	case '*':
		l.pos++
		return token{tokStar, "*", start}, nil
	case '/':
		l.pos++
		return token{tokSlash, "/", start}, nil
	case '(':
		l.pos++
		return token{tokLParen, "(", start}, nil
	case ')':
		l.pos++
		return token{tokRParen, ")", start}, nil
	case ',':
		l.pos++
		return token{tokComma, ",", start}, nil
	case '<':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
			return token{tokLE, "<=", start}, nil
		}
		return token{tokLT, "<", start}, nil
	case '>':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
			return token{tokGE, ">=", start}, nil
		}
		return token{tokGT, ">", start}, nil
	case '=':
		if strings.HasPrefix(l.input[l.pos:], "==") {
			l.pos += 2
			return token{tokEQ, "==", start}, nil
		}
		return token{}, fmt.Errorf("unexpected '=' at position %d (use '==')", start)
	case '!':
		if strings.HasPrefix(l.input[l.pos:], "!=") {
			l.pos += 2
			return token{tokNE, "!=", start}, nil
		}
		return token{}, fmt.Errorf("unexpected '!' at position %d (use '!=')", start)
	}

	if c >= '0' && c <= '9' || c == '.' {
		seenDot := false
		for l.pos < len(l.input) {
			ch := l.input[l.pos]
			if ch == '.' {
				if seenDot {
					return token{}, fmt.Errorf("malformed number at position %d", start)
				}
				seenDot = true
				l.pos++
				continue
			}
			if ch < '0' || ch > '9' {
				break
			}
			l.pos++
		}
		text := l.input[start:l.pos]
		if text == "." {
			return token{}, fmt.Errorf("malformed number at position %d", start)
		}
		return token{tokNumber, text, start}, nil
	}

	if unicode.IsLetter(rune(c)) || c == '_' {
		for l.pos < len(l.input) {
			ch := rune(l.input[l.pos])
			if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' {
				break
			}
			l.pos++
		}
		return token{tokIdent, l.input[start:l.pos], start}, nil
	}

	return token{}, fmt.Errorf("unexpected character %q at position %d", c, start)
}
