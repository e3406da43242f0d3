package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message  string
	Position int
	Token    Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("formula parse error at position %d: %s (got %q)", e.Position, e.Message, e.Token.Literal)
}

// Parser parses formula text into an expression tree.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses formula text and returns the expression tree.
func Parse(input string) (Expr, error) {
	p := NewParser(input)
	expr, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if !p.curTokenIs(TokenEOF) {
		return nil, p.errorf("unexpected trailing input")
	}
	return expr, nil
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) curTokenIs(t TokenType) bool { return p.curToken.Type == t }

func (p *Parser) errorf(format string, args ...interface{}) error {
	return &ParseError{
		Message:  fmt.Sprintf(format, args...),
		Position: p.curToken.Pos,
		Token:    p.curToken,
	}
}

// parseComparison handles =, !=, <, >, <=, >= (non-associative, lowest
// precedence).
func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	switch p.curToken.Type {
	case TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe:
		op := p.curToken.Type
		p.nextToken()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.curTokenIs(TokenPlus) || p.curTokenIs(TokenMinus) {
		op := p.curToken.Type
		p.nextToken()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.curTokenIs(TokenStar) || p.curTokenIs(TokenSlash) {
		op := p.curToken.Type
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.curTokenIs(TokenMinus) {
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: TokenMinus, Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch p.curToken.Type {
	case TokenNumber:
		f, err := strconv.ParseFloat(p.curToken.Literal, 64)
		if err != nil {
			return nil, p.errorf("malformed number")
		}
		p.nextToken()
		return &NumberLit{Value: f}, nil
	case TokenString:
		lit := &StringLit{Value: p.curToken.Literal}
		p.nextToken()
		return lit, nil
	case TokenTrue, TokenFalse:
		lit := &BoolLit{Value: p.curTokenIs(TokenTrue)}
		p.nextToken()
		return lit, nil
	case TokenLParen:
		p.nextToken()
		expr, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		if !p.curTokenIs(TokenRParen) {
			return nil, p.errorf("expected )")
		}
		p.nextToken()
		return expr, nil
	case TokenIdent:
		return p.parseCall()
	}
	return nil, p.errorf("expected expression")
}

// parseCall parses name(args...). The field() and lookup() forms become
// dedicated reference nodes; everything else stays a generic call resolved
// by the function table.
func (p *Parser) parseCall() (Expr, error) {
	name := strings.ToLower(p.curToken.Literal)
	p.nextToken()
	if !p.curTokenIs(TokenLParen) {
		return nil, p.errorf("expected ( after function name %q", name)
	}
	p.nextToken()

	var args []Expr
	for !p.curTokenIs(TokenRParen) {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.curTokenIs(TokenComma) {
			p.nextToken()
			continue
		}
		if !p.curTokenIs(TokenRParen) {
			return nil, p.errorf("expected , or ) in argument list of %q", name)
		}
	}
	p.nextToken() // consume )

	switch name {
	case "field":
		lit, ok := singleStringArg(args)
		if !ok {
			return nil, p.errorf("field() takes exactly one string argument")
		}
		return &FieldRef{Name: lit}, nil
	case "lookup":
		if len(args) != 2 {
			return nil, p.errorf("lookup() takes exactly two string arguments")
		}
		link, ok1 := stringArg(args[0])
		target, ok2 := stringArg(args[1])
		if !ok1 || !ok2 {
			return nil, p.errorf("lookup() takes exactly two string arguments")
		}
		return &LookupRef{Link: link, Target: target}, nil
	}
	if _, known := functions[name]; !known {
		return nil, p.errorf("unknown function %q", name)
	}
	return &CallExpr{Name: name, Args: args}, nil
}

func singleStringArg(args []Expr) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	return stringArg(args[0])
}

func stringArg(e Expr) (string, bool) {
	lit, ok := e.(*StringLit)
	if !ok {
		return "", false
	}
	return lit.Value, true
}
