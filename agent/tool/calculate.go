package tool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	contractx "github.com/tanpawarit/mission-engine/agent/contract"
)

const ToolCalculate = "calculate"

var errEmptyExpression = errors.New("expression is empty")

// CalculateTool evaluates arithmetic with + - * / % ^ and parentheses.
func CalculateTool() Tool {
	return Tool{
		Name:        ToolCalculate,
		Description: "Evaluate an arithmetic expression, e.g. quote totals or discounts.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "Expression to evaluate",
				},
			},
			"required": []string{"expression"},
		},
		Handler: calculate,
	}
}

func calculate(_ context.Context, args map[string]any) (contractx.ToolResult, error) {
	expression, ok := args["expression"].(string)
	if !ok {
		return errorResult(ToolCalculate, "expression must be a string"), nil
	}
	expression = strings.TrimSpace(expression)

	value, err := Evaluate(expression)
	if err != nil {
		return errorResult(ToolCalculate, err.Error()), nil
	}
	return successResult("", map[string]any{
		"expression": expression,
		"result":     value,
	}), nil
}

// Evaluate computes an arithmetic expression. ^ is right associative.
func Evaluate(expression string) (float64, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, errEmptyExpression
	}

	ev := &evaluator{tokens: tokens}
	value, err := ev.binary(0)
	if err != nil {
		return 0, err
	}
	if ev.pos < len(ev.tokens) {
		return 0, fmt.Errorf("unexpected %q at offset %d", ev.tokens[ev.pos].text, ev.tokens[ev.pos].offset)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, errors.New("result is not a finite number")
	}
	return value, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOperator
	tokOpen
	tokClose
)

type token struct {
	kind   tokenKind
	text   string
	num    float64
	offset int
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
				i++
			}
			raw := s[start:i]
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at offset %d", raw, start)
			}
			out = append(out, token{kind: tokNumber, text: raw, num: n, offset: start})
		case strings.IndexByte("+-*/%^", c) >= 0:
			out = append(out, token{kind: tokOperator, text: string(c), offset: i})
			i++
		case c == '(':
			out = append(out, token{kind: tokOpen, text: "(", offset: i})
			i++
		case c == ')':
			out = append(out, token{kind: tokClose, text: ")", offset: i})
			i++
		default:
			return nil, fmt.Errorf("invalid character %q at offset %d", c, i)
		}
	}
	return out, nil
}

var precedence = map[string]int{
	"+": 1, "-": 1,
	"*": 2, "/": 2, "%": 2,
	"^": 3,
}

type evaluator struct {
	tokens []token
	pos    int
}

func (e *evaluator) peek() (token, bool) {
	if e.pos >= len(e.tokens) {
		return token{}, false
	}
	return e.tokens[e.pos], true
}

// binary parses operators with precedence above minPrec.
func (e *evaluator) binary(minPrec int) (float64, error) {
	left, err := e.unary()
	if err != nil {
		return 0, err
	}

	for {
		tok, ok := e.peek()
		if !ok || tok.kind != tokOperator || precedence[tok.text] <= minPrec {
			return left, nil
		}
		e.pos++

		next := precedence[tok.text]
		if tok.text == "^" {
			next--
		}
		right, err := e.binary(next)
		if err != nil {
			return 0, err
		}
		if left, err = apply(tok.text, left, right); err != nil {
			return 0, err
		}
	}
}

func (e *evaluator) unary() (float64, error) {
	tok, ok := e.peek()
	if !ok {
		return 0, errors.New("unexpected end of expression")
	}

	switch {
	case tok.kind == tokOperator && (tok.text == "-" || tok.text == "+"):
		e.pos++
		v, err := e.unary()
		if tok.text == "-" {
			v = -v
		}
		return v, err
	case tok.kind == tokNumber:
		e.pos++
		return tok.num, nil
	case tok.kind == tokOpen:
		e.pos++
		v, err := e.binary(0)
		if err != nil {
			return 0, err
		}
		closing, ok := e.peek()
		if !ok || closing.kind != tokClose {
			return 0, fmt.Errorf("missing closing parenthesis for offset %d", tok.offset)
		}
		e.pos++
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.offset)
	}
}

func apply(op string, a, b float64) (float64, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return 0, errors.New("modulo by zero")
		}
		return math.Mod(a, b), nil
	case "^":
		return math.Pow(a, b), nil
	default:
		return 0, fmt.Errorf("unknown operator %q", op)
	}
}
