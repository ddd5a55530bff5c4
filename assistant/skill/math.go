package skill

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"

	contractx "github.com/stewardhq/steward/assistant/contract"
)

const NameMathEvaluate = "math_evaluate"

// Accepts digits, whitespace, decimal points, operators, and parentheses.
var mathExpressionPattern = regexp.MustCompile(`^[\d\s\+\-\*/%\^\(\)\.]+$`)

// MathEvaluate evaluates arithmetic expressions without touching the
// inference backend. Stateless.
type MathEvaluate struct{}

var _ contractx.Skill = (*MathEvaluate)(nil)

func NewMathEvaluate() *MathEvaluate { return &MathEvaluate{} }

func (s *MathEvaluate) Name() string { return NameMathEvaluate }

func (s *MathEvaluate) Description() string {
	return "Evaluate a mathematical expression and return the numeric result."
}

func (s *MathEvaluate) Params() []contractx.ParamSpec {
	return []contractx.ParamSpec{
		{Name: "expression", Description: "Expression to evaluate, e.g. (2+3)*4", Required: true},
	}
}

func (s *MathEvaluate) Run(ctx context.Context, params map[string]any, _ *contractx.SkillContext) (contractx.SkillResult, error) {
	expression := stringParam(params, "expression")
	if expression == "" {
		return failure("expression parameter is required"), nil
	}
	if err := validateExpression(expression); err != nil {
		return failure(err.Error()), nil
	}

	result, err := evaluateExpression(expression)
	if err != nil {
		return failure(err.Error()), nil
	}

	return contractx.SkillResult{
		Success: true,
		Output:  strconv.FormatFloat(result, 'f', -1, 64),
		Data:    map[string]any{"expression": expression, "result": result},
	}, nil
}

func validateExpression(expression string) error {
	if !mathExpressionPattern.MatchString(expression) {
		return fmt.Errorf("expression contains invalid characters")
	}
	balance := 0
	for _, ch := range expression {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
			if balance < 0 {
				return fmt.Errorf("expression has unbalanced parentheses")
			}
		}
	}
	if balance != 0 {
		return fmt.Errorf("expression has unbalanced parentheses")
	}
	return nil
}

func evaluateExpression(expression string) (float64, error) {
	p := &exprParser{input: expression}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.hasNext() {
		return 0, fmt.Errorf("unexpected token at position %d", p.pos)
	}
	return value, nil
}

// Recursive-descent parser: expr -> term (+|-), term -> power (*|/|%),
// power -> unary (^, right associative), unary -> -unary | primary.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		switch {
		case p.match('+'):
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case p.match('-'):
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		switch {
		case p.match('*'):
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.match('/'):
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case p.match('%'):
			right, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.match('^') {
		exponent, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exponent), nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpaces()
	if p.match('-') {
		value, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -value, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpaces()
	if p.match('(') {
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if !p.match(')') {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		return value, nil
	}
	return p.parseNumber()
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpaces()
	start := p.pos
	hasDigit := false
	hasDot := false

	for p.hasNext() {
		ch := p.peek()
		if ch >= '0' && ch <= '9' {
			hasDigit = true
			p.pos++
			continue
		}
		if ch == '.' {
			if hasDot {
				return 0, fmt.Errorf("invalid number format at position %d", p.pos)
			}
			hasDot = true
			p.pos++
			continue
		}
		break
	}

	if !hasDigit {
		return 0, fmt.Errorf("expected number at position %d", start)
	}

	raw := p.input[start:p.pos]
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", raw, err)
	}
	return value, nil
}

func (p *exprParser) skipSpaces() {
	for p.hasNext() && p.peek() == ' ' {
		p.pos++
	}
}

func (p *exprParser) hasNext() bool {
	return p.pos < len(p.input)
}

func (p *exprParser) peek() byte {
	return p.input[p.pos]
}

func (p *exprParser) match(expected byte) bool {
	if p.hasNext() && p.peek() == expected {
		p.pos++
		return true
	}
	return false
}
