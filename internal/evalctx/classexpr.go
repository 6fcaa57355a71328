// Package evalctx is the EvaluationContext collaborator (spec §4.3): the
// hierarchical hard/soft class set, variable scopes, and the persistent
// class store.
package evalctx

import (
	"fmt"
	"strings"
)

// classExprParser is a small hand-written recursive-descent parser for the
// boolean class-expression grammar (`!`, `&`, `|`, `.`, parentheses,
// class-name tokens). A general-purpose expression library (PaesslerAG/gval
// among them) was evaluated, but gval's default variable resolution treats
// `.` as a nested-field selector into the evaluation parameter — exactly the
// token this grammar instead uses as an infix AND between two bare
// class-name identifiers — so adopting it would mean fighting its
// variable-selector semantics rather than using them. A dedicated parser
// avoids that collision; this is the one place in the policy/evalctx
// domain that falls back to the standard library only.
//
// Grammar (highest to lowest precedence): `!expr`, `(expr)`, `a.b` (AND),
// `a&b` (AND), `a|b` (OR). `.` and `&` share precedence; `|` binds loosest.
// A dotted run of names that is itself an active class (e.g. the soft class
// "classes.change" inside "linux.classes.change") matches as that one class,
// taking the longest such run; otherwise each `.` is an AND.
type classExprParser struct {
	tokens []string
	pos    int
}

// IsDefinedClass evaluates expr against isMember, which reports whether a
// single class name is currently active (hard or soft, including
// hierarchical expansion — see PutHardClass).
func IsDefinedClass(expr string, isMember func(class string) bool) (bool, error) {
	toks, err := tokenizeClassExpr(expr)
	if err != nil {
		return false, err
	}
	p := &classExprParser{tokens: toks}
	v, err := p.parseOr(isMember)
	if err != nil {
		return false, err
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("evalctx: unexpected trailing tokens in class expression %q", expr)
	}
	return v, nil
}

func (p *classExprParser) parseOr(isMember func(string) bool) (bool, error) {
	left, err := p.parseAnd(isMember)
	if err != nil {
		return false, err
	}
	for p.peek() == "|" {
		p.pos++
		right, err := p.parseAnd(isMember)
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *classExprParser) parseAnd(isMember func(string) bool) (bool, error) {
	left, err := p.parseUnary(isMember)
	if err != nil {
		return false, err
	}
	for p.peek() == "&" || p.peek() == "." {
		p.pos++
		right, err := p.parseUnary(isMember)
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *classExprParser) parseUnary(isMember func(string) bool) (bool, error) {
	if p.peek() == "!" {
		p.pos++
		v, err := p.parseUnary(isMember)
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return p.parsePrimary(isMember)
}

func (p *classExprParser) parsePrimary(isMember func(string) bool) (bool, error) {
	tok := p.peek()
	if tok == "" {
		return false, fmt.Errorf("evalctx: unexpected end of class expression")
	}
	if tok == "(" {
		p.pos++
		v, err := p.parseOr(isMember)
		if err != nil {
			return false, err
		}
		if p.peek() != ")" {
			return false, fmt.Errorf("evalctx: missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}
	if tok == "any" {
		p.pos++
		return true, nil
	}
	if isIdentToken(tok) {
		longest := 0
		name := tok
		for i := p.pos + 2; i < len(p.tokens) && p.tokens[i-1] == "." && isIdentToken(p.tokens[i]); i += 2 {
			name += "." + p.tokens[i]
			if isMember(name) {
				longest = i - p.pos
			}
		}
		if longest > 0 {
			p.pos += longest + 1
			return true, nil
		}
		p.pos++
		return isMember(tok), nil
	}
	return false, fmt.Errorf("evalctx: unexpected token %q in class expression", tok)
}

func (p *classExprParser) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func isIdentToken(tok string) bool {
	for _, r := range tok {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return tok != ""
}

// tokenizeClassExpr splits expr into `(`, `)`, `!`, `&`, `|`, `.`, and
// identifier tokens, skipping whitespace.
func tokenizeClassExpr(expr string) ([]string, error) {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range expr {
		switch r {
		case '(', ')', '!', '&', '|', '.':
			flush()
			toks = append(toks, string(r))
		case ' ', '\t', '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks, nil
}
