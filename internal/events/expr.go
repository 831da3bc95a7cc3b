package events

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/meridianlab/bidsify/internal/table"
)

// Eval resolves a source expression against a trial table into one value per
// row. An expression is either a literal column name, an arithmetic formula
// over column names and numeric literals (+ - * / % with the usual
// precedence), or a bare atom that is broadcast as a literal to every row.
// Rows with a missing operand evaluate to missing.
func Eval(t *table.Table, expr string) ([]table.Value, error) {
	expr = strings.TrimSpace(expr)
	if col, ok := t.Column(expr); ok {
		return col, nil
	}

	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 && toks[0].kind == tokAtom {
		// Single non-column atom: broadcast literal.
		v := table.Parse(expr)
		out := make([]table.Value, t.Len())
		for i := range out {
			out[i] = v
		}
		return out, nil
	}

	p := &parser{t: t, toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expr, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("expression %q: trailing input", expr)
	}

	out := make([]table.Value, t.Len())
	for row := range out {
		f, ok := node.eval(row)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			out[row] = table.None()
		} else {
			out[row] = table.Num(f)
		}
	}
	return out, nil
}

type tokKind int

const (
	tokAtom tokKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		ch := rune(expr[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case strings.ContainsRune("+-*/%", ch):
			toks = append(toks, token{tokOp, string(ch)})
			i++
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		default:
			j := i
			for j < len(expr) && !strings.ContainsRune("+-*/%() \t", rune(expr[j])) {
				j++
			}
			toks = append(toks, token{tokAtom, expr[i:j]})
			i = j
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

// node evaluates to a float per row; ok is false when any operand is missing.
type node interface {
	eval(row int) (float64, bool)
}

type litNode struct{ v float64 }

func (n litNode) eval(int) (float64, bool) { return n.v, true }

type colNode struct{ col []table.Value }

func (n colNode) eval(row int) (float64, bool) {
	if row >= len(n.col) {
		return 0, false
	}
	return n.col[row].Float()
}

type binNode struct {
	op          string
	left, right node
}

func (n binNode) eval(row int) (float64, bool) {
	a, ok := n.left.eval(row)
	if !ok {
		return 0, false
	}
	b, ok := n.right.eval(row)
	if !ok {
		return 0, false
	}
	switch n.op {
	case "+":
		return a + b, true
	case "-":
		return a - b, true
	case "*":
		return a * b, true
	case "/":
		if b == 0 {
			return 0, false
		}
		return a / b, true
	default: // %
		if b == 0 {
			return 0, false
		}
		return math.Mod(a, b), true
	}
}

type parser struct {
	t    *table.Table
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binNode{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokOp || (tok.text != "*" && tok.text != "/" && tok.text != "%") {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binNode{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseFactor() (node, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch tok.kind {
	case tokLParen:
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokAtom:
		p.pos++
		if col, ok := p.t.Column(tok.text); ok {
			return colNode{col: col}, nil
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("unknown column %q", tok.text)
		}
		return litNode{v: f}, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}
