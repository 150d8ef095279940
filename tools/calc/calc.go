// Package calc provides an arithmetic expression tool. The evaluator is a
// small recursive-descent parser over float64: + - * / % ^, parentheses,
// unary minus, and decimal numbers with optional exponents.
package calc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/nevindra/caravan"
)

// Tool evaluates arithmetic expressions.
type Tool struct{}

var _ caravan.Tool = (*Tool)(nil)

// New creates a calc tool.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []caravan.ToolDefinition {
	return []caravan.ToolDefinition{{
		Name:        "calc",
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^, parentheses, and decimal numbers, e.g. (2+3)*4 or 2^10.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string","description":"Expression to evaluate"}},"required":["expression"]}`),
	}}
}

func (t *Tool) Call(_ context.Context, _ string, args json.RawMessage) (string, error) {
	var params struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}

	v, err := Eval(params.Expression)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

// Eval parses and evaluates expr. Errors name the offending position so the
// model can correct the expression on the next step.
func Eval(expr string) (float64, error) {
	p := &parser{input: expr}
	v, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	if c := p.peek(); c != 0 {
		return 0, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

// Grammar, loosest binding first:
//
//	sum     = product (("+" | "-") product)*
//	product = unary (("*" | "/" | "%") unary)*
//	unary   = ("-" | "+") unary | power
//	power   = atom ("^" unary)?
//	atom    = number | "(" sum ")"
type parser struct {
	input string
	pos   int
}

// peek returns the next significant byte, or 0 at end of input.
func (p *parser) peek() byte {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) parseSum() (float64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseProduct()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *parser) parseProduct() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case '%':
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		}
	}
}

func (p *parser) parseUnary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePower()
}

// parsePower is right-associative: 2^3^2 is 2^(3^2).
func (p *parser) parsePower() (float64, error) {
	base, err := p.parseAtom()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *parser) parseAtom() (float64, error) {
	if p.peek() == '(' {
		p.pos++
		v, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return v, nil
	}
	return p.parseNumber()
}

func (p *parser) parseNumber() (float64, error) {
	if c := p.peek(); c == 0 {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	start := p.pos
	for p.pos < len(p.input) && isDigitOrDot(p.input[p.pos]) {
		p.pos++
	}
	// Optional exponent: e or E, optional sign, one or more digits.
	if p.pos > start && p.pos < len(p.input) && (p.input[p.pos] == 'e' || p.input[p.pos] == 'E') {
		mark := p.pos
		p.pos++
		if p.pos < len(p.input) && (p.input[p.pos] == '+' || p.input[p.pos] == '-') {
			p.pos++
		}
		digits := p.pos
		for p.pos < len(p.input) && p.input[p.pos] >= '0' && p.input[p.pos] <= '9' {
			p.pos++
		}
		if p.pos == digits {
			p.pos = mark
		}
	}
	if p.pos == start {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q at position %d", p.input[start:p.pos], start)
	}
	return v, nil
}

func isDigitOrDot(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.'
}
