// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// tri is a three-valued SQL truth value. Comparisons against a missing
// property yield triUnknown.
type tri int

const (
	triFalse tri = iota
	triTrue
	triUnknown
)

func (t tri) not() tri {
	switch t {
	case triTrue:
		return triFalse
	case triFalse:
		return triTrue
	default:
		return triUnknown
	}
}

func triOf(b bool) tri {
	if b {
		return triTrue
	}
	return triFalse
}

type node interface {
	eval(props map[string]string) tri
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"IN": true, "BETWEEN": true, "TRUE": true, "FALSE": true,
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(s) {
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(s[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			toks = append(toks, token{tokString, sb.String(), start})
		case c == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case c == '<' || c == '>' || c == '!':
			start := i
			op := string(c)
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				op += string(s[i+1])
				i++
			}
			i++
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!' at %d", start)
			}
			if op == "!=" {
				op = "<>"
			}
			toks = append(toks, token{tokOp, op, start})
		case unicode.IsDigit(c) || ((c == '-' || c == '.') && i+1 < len(s) && unicode.IsDigit(rune(s[i+1]))):
			start := i
			i++
			for i < len(s) && (unicode.IsDigit(rune(s[i])) || s[i] == '.') {
				i++
			}
			text := s[start:i]
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("invalid number %q at %d", text, start)
			}
			toks = append(toks, token{tokNumber, text, start})
		case unicode.IsLetter(c) || c == '_':
			start := i
			for i < len(s) && (unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i])) || s[i] == '_' || s[i] == '.') {
				i++
			}
			toks = append(toks, token{tokIdent, s[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
	}
	toks = append(toks, token{tokEOF, "", len(s)})
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func parseSQL(s string) (node, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("NOT") {
		n, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{n}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch {
	case t.kind == tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at %d", t.pos)
		}
		return n, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "TRUE"):
		p.next()
		return constNode(triTrue), nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "FALSE"):
		p.next()
		return constNode(triFalse), nil
	case t.kind == tokIdent && !keywords[strings.ToUpper(t.text)]:
		p.next()
		return p.parsePredicate(t.text)
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

func (p *parser) parsePredicate(name string) (node, error) {
	if p.keyword("IS") {
		negate := p.keyword("NOT")
		if !p.keyword("NULL") {
			return nil, fmt.Errorf("expected NULL after IS for %s", name)
		}
		return nullNode{name: name, negate: negate}, nil
	}

	negate := p.keyword("NOT")
	switch {
	case p.keyword("IN"):
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("expected '(' after IN for %s", name)
		}
		var values []string
		for {
			t := p.next()
			if t.kind != tokString {
				return nil, fmt.Errorf("IN list of %s accepts string literals only", name)
			}
			values = append(values, t.text)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, fmt.Errorf("unexpected %q in IN list of %s", sep.text, name)
			}
		}
		return inNode{name: name, values: values, negate: negate}, nil
	case p.keyword("BETWEEN"):
		lo, err := p.number(name)
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("expected AND in BETWEEN for %s", name)
		}
		hi, err := p.number(name)
		if err != nil {
			return nil, err
		}
		return betweenNode{name: name, lo: lo, hi: hi, negate: negate}, nil
	case negate:
		return nil, fmt.Errorf("expected IN or BETWEEN after NOT for %s", name)
	}

	op := p.next()
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected comparison after %s", name)
	}
	lit := p.next()
	switch lit.kind {
	case tokString:
		if op.text != "=" && op.text != "<>" {
			return nil, fmt.Errorf("operator %s not allowed on string for %s", op.text, name)
		}
		return cmpNode{name: name, op: op.text, str: lit.text, isStr: true}, nil
	case tokNumber:
		v, _ := strconv.ParseFloat(lit.text, 64)
		return cmpNode{name: name, op: op.text, num: v}, nil
	case tokIdent:
		up := strings.ToUpper(lit.text)
		if (up == "TRUE" || up == "FALSE") && (op.text == "=" || op.text == "<>") {
			return cmpNode{name: name, op: op.text, str: strings.ToLower(up), isStr: true}, nil
		}
	}
	return nil, fmt.Errorf("expected literal after %s %s", name, op.text)
}

func (p *parser) number(name string) (float64, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, fmt.Errorf("expected number in BETWEEN for %s", name)
	}
	return strconv.ParseFloat(t.text, 64)
}

type constNode tri

func (c constNode) eval(map[string]string) tri { return tri(c) }

type andNode struct{ l, r node }

func (n andNode) eval(props map[string]string) tri {
	l, r := n.l.eval(props), n.r.eval(props)
	switch {
	case l == triFalse || r == triFalse:
		return triFalse
	case l == triTrue && r == triTrue:
		return triTrue
	default:
		return triUnknown
	}
}

type orNode struct{ l, r node }

func (n orNode) eval(props map[string]string) tri {
	l, r := n.l.eval(props), n.r.eval(props)
	switch {
	case l == triTrue || r == triTrue:
		return triTrue
	case l == triFalse && r == triFalse:
		return triFalse
	default:
		return triUnknown
	}
}

type notNode struct{ n node }

func (n notNode) eval(props map[string]string) tri { return n.n.eval(props).not() }

type nullNode struct {
	name   string
	negate bool
}

func (n nullNode) eval(props map[string]string) tri {
	_, ok := props[n.name]
	return triOf(ok == n.negate)
}

type inNode struct {
	name   string
	values []string
	negate bool
}

func (n inNode) eval(props map[string]string) tri {
	v, ok := props[n.name]
	if !ok {
		return triUnknown
	}
	for _, want := range n.values {
		if v == want {
			return triOf(!n.negate)
		}
	}
	return triOf(n.negate)
}

type betweenNode struct {
	name   string
	lo, hi float64
	negate bool
}

func (n betweenNode) eval(props map[string]string) tri {
	v, ok := numericProp(props, n.name)
	if !ok {
		return triUnknown
	}
	return triOf((v >= n.lo && v <= n.hi) != n.negate)
}

type cmpNode struct {
	name  string
	op    string
	str   string
	num   float64
	isStr bool
}

func (n cmpNode) eval(props map[string]string) tri {
	if n.isStr {
		v, ok := props[n.name]
		if !ok {
			return triUnknown
		}
		if n.op == "=" {
			return triOf(v == n.str)
		}
		return triOf(v != n.str)
	}

	v, ok := numericProp(props, n.name)
	if !ok {
		return triUnknown
	}
	switch n.op {
	case "=":
		return triOf(v == n.num)
	case "<>":
		return triOf(v != n.num)
	case "<":
		return triOf(v < n.num)
	case "<=":
		return triOf(v <= n.num)
	case ">":
		return triOf(v > n.num)
	case ">=":
		return triOf(v >= n.num)
	default:
		return triUnknown
	}
}

func numericProp(props map[string]string, name string) (float64, bool) {
	raw, ok := props[name]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
