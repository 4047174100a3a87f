package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// mathPattern matches a digit, an arithmetic operator, and another digit with
// optional whitespace, e.g. "3+4" or "12 * 7".
var mathPattern = regexp.MustCompile(`\d\s*[-+*/^×÷]\s*\d`)

// mathKeywords trigger the math gate even without an inline expression.
var mathKeywords = []string{
	"calculate", "compute", "solve", "equation", "arithmetic", "math",
	"plus", "minus", "times", "multiplied", "divided",
	"계산", "더하기", "빼기", "곱하기", "나누기", "수학",
}

type mathArgs struct {
	// Expression is a plain arithmetic expression such as "(3 + 4) * 2".
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression using numbers and + - * / ^ and parentheses" validate:"required,min=1,max=200"`
}

type mathResult struct {
	Expression string   `json:"expression"`
	Result     float64  `json:"result"`
	Steps      []string `json:"steps"`
}

func mathSolverTool() *Tool {
	return &Tool{
		Name: "math_solver",
		Description: "Evaluates an arithmetic expression step by step. " +
			"Supports numbers, + - * / ^, unary minus, and parentheses. " +
			"Use it whenever the learner asks to compute or verify a calculation.",
		Args:    &mathArgs{},
		Offer:   mathGate,
		Handler: solveMath,
	}
}

// mathGate passes when the query contains an inline arithmetic expression or
// any math vocabulary in English or Korean.
func mathGate(q Query) bool {
	if mathPattern.MatchString(q.Text) {
		return true
	}
	lower := strings.ToLower(q.Text)
	for _, kw := range mathKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func solveMath(_ context.Context, raw json.RawMessage) (string, error) {
	var args mathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("tools: math_solver: decode args: %w", err)
	}

	eval := newEvaluator(args.Expression)
	value, err := eval.run()
	if err != nil {
		return "", fmt.Errorf("tools: math_solver: %w", err)
	}

	out, err := json.Marshal(mathResult{
		Expression: args.Expression,
		Result:     value,
		Steps:      eval.steps,
	})
	if err != nil {
		return "", fmt.Errorf("tools: math_solver: encode result: %w", err)
	}
	return string(out), nil
}

// ─── expression evaluator ────────────────────────────────────────────────────

// evaluator is a recursive-descent evaluator over a fixed grammar:
//
//	expr   := term (('+' | '-') term)*
//	term   := factor (('*' | '/') factor)*
//	factor := unary ('^' factor)?          // right-associative
//	unary  := '-' unary | primary
//	primary:= number | '(' expr ')'
//
// It records one human-readable step per binary operation. No identifiers,
// no function calls, no side effects.
type evaluator struct {
	input string
	pos   int
	steps []string
}

var errBadExpression = errors.New("invalid expression")

func newEvaluator(expr string) *evaluator {
	// Accept the unicode operators and Python-style power that learners
	// commonly type.
	expr = strings.NewReplacer("×", "*", "÷", "/", "**", "^").Replace(expr)
	return &evaluator{input: expr}
}

func (e *evaluator) run() (float64, error) {
	v, err := e.parseExpr()
	if err != nil {
		return 0, err
	}
	e.skipSpace()
	if e.pos != len(e.input) {
		return 0, fmt.Errorf("%w: unexpected %q at position %d", errBadExpression, e.input[e.pos], e.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: result is not a finite number", errBadExpression)
	}
	return v, nil
}

func (e *evaluator) parseExpr() (float64, error) {
	left, err := e.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		e.skipSpace()
		op, ok := e.peekOp('+', '-')
		if !ok {
			return left, nil
		}
		e.pos++
		right, err := e.parseTerm()
		if err != nil {
			return 0, err
		}
		var v float64
		if op == '+' {
			v = left + right
		} else {
			v = left - right
		}
		e.record(left, op, right, v)
		left = v
	}
}

func (e *evaluator) parseTerm() (float64, error) {
	left, err := e.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		e.skipSpace()
		op, ok := e.peekOp('*', '/')
		if !ok {
			return left, nil
		}
		e.pos++
		right, err := e.parseFactor()
		if err != nil {
			return 0, err
		}
		var v float64
		if op == '*' {
			v = left * right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("%w: division by zero", errBadExpression)
			}
			v = left / right
		}
		e.record(left, op, right, v)
		left = v
	}
}

func (e *evaluator) parseFactor() (float64, error) {
	base, err := e.parseUnary()
	if err != nil {
		return 0, err
	}
	e.skipSpace()
	if _, ok := e.peekOp('^'); !ok {
		return base, nil
	}
	e.pos++
	exp, err := e.parseFactor()
	if err != nil {
		return 0, err
	}
	v := math.Pow(base, exp)
	e.record(base, '^', exp, v)
	return v, nil
}

func (e *evaluator) parseUnary() (float64, error) {
	e.skipSpace()
	if e.pos < len(e.input) && e.input[e.pos] == '-' {
		e.pos++
		v, err := e.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return e.parsePrimary()
}

func (e *evaluator) parsePrimary() (float64, error) {
	e.skipSpace()
	if e.pos >= len(e.input) {
		return 0, fmt.Errorf("%w: unexpected end of input", errBadExpression)
	}
	if e.input[e.pos] == '(' {
		e.pos++
		v, err := e.parseExpr()
		if err != nil {
			return 0, err
		}
		e.skipSpace()
		if e.pos >= len(e.input) || e.input[e.pos] != ')' {
			return 0, fmt.Errorf("%w: missing closing parenthesis", errBadExpression)
		}
		e.pos++
		return v, nil
	}
	return e.parseNumber()
}

func (e *evaluator) parseNumber() (float64, error) {
	start := e.pos
	for e.pos < len(e.input) && (unicode.IsDigit(rune(e.input[e.pos])) || e.input[e.pos] == '.') {
		e.pos++
	}
	if e.pos == start {
		return 0, fmt.Errorf("%w: expected a number at position %d", errBadExpression, start)
	}
	v, err := strconv.ParseFloat(e.input[start:e.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed number %q", errBadExpression, e.input[start:e.pos])
	}
	return v, nil
}

func (e *evaluator) peekOp(ops ...byte) (byte, bool) {
	if e.pos >= len(e.input) {
		return 0, false
	}
	for _, op := range ops {
		if e.input[e.pos] == op {
			return op, true
		}
	}
	return 0, false
}

func (e *evaluator) skipSpace() {
	for e.pos < len(e.input) && (e.input[e.pos] == ' ' || e.input[e.pos] == '\t') {
		e.pos++
	}
}

func (e *evaluator) record(left float64, op byte, right, result float64) {
	e.steps = append(e.steps, fmt.Sprintf("%s %c %s = %s",
		formatNumber(left), op, formatNumber(right), formatNumber(result)))
}

// formatNumber renders integers without a decimal point and everything else
// with minimal digits.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
