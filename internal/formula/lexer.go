// Package formula provides the formula language for derived fields: a lexer,
// parser, type deriver, and evaluator over the dynamic row model.
package formula

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber
	TokenString

	// Keywords
	TokenTrue
	TokenFalse

	// Operators
	TokenEq     // =
	TokenNe     // != or <>
	TokenLt     // <
	TokenGt     // >
	TokenLe     // <=
	TokenGe     // >=
	TokenPlus   // +
	TokenMinus  // -
	TokenStar   // *
	TokenSlash  // /
	TokenComma  // ,
	TokenLParen // (
	TokenRParen // )
)

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Pos     int // Position in input
}

// String returns a string representation of the token.
func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d}", t.Type.String(), t.Literal, t.Pos)
}

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return "ERROR"
	case TokenIdent:
		return "IDENT"
	case TokenNumber:
		return "NUMBER"
	case TokenString:
		return "STRING"
	case TokenTrue:
		return "TRUE"
	case TokenFalse:
		return "FALSE"
	case TokenEq:
		return "="
	case TokenNe:
		return "!="
	case TokenLt:
		return "<"
	case TokenGt:
		return ">"
	case TokenLe:
		return "<="
	case TokenGe:
		return ">="
	case TokenPlus:
		return "+"
	case TokenMinus:
		return "-"
	case TokenStar:
		return "*"
	case TokenSlash:
		return "/"
	case TokenComma:
		return ","
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	default:
		return "UNKNOWN"
	}
}

// Lexer tokenizes formula text.
type Lexer struct {
	input string
	pos   int
}

// NewLexer creates a lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// NextToken returns the next token in the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}

	start := l.pos
	ch := l.input[l.pos]

	switch ch {
	case '+':
		l.pos++
		return Token{Type: TokenPlus, Literal: "+", Pos: start}
	case '-':
		l.pos++
		return Token{Type: TokenMinus, Literal: "-", Pos: start}
	case '*':
		l.pos++
		return Token{Type: TokenStar, Literal: "*", Pos: start}
	case '/':
		l.pos++
		return Token{Type: TokenSlash, Literal: "/", Pos: start}
	case ',':
		l.pos++
		return Token{Type: TokenComma, Literal: ",", Pos: start}
	case '(':
		l.pos++
		return Token{Type: TokenLParen, Literal: "(", Pos: start}
	case ')':
		l.pos++
		return Token{Type: TokenRParen, Literal: ")", Pos: start}
	case '=':
		l.pos++
		return Token{Type: TokenEq, Literal: "=", Pos: start}
	case '!':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return Token{Type: TokenNe, Literal: "!=", Pos: start}
		}
		l.pos++
		return Token{Type: TokenError, Literal: "!", Pos: start}
	case '<':
		switch l.peekAt(l.pos + 1) {
		case '=':
			l.pos += 2
			return Token{Type: TokenLe, Literal: "<=", Pos: start}
		case '>':
			l.pos += 2
			return Token{Type: TokenNe, Literal: "<>", Pos: start}
		}
		l.pos++
		return Token{Type: TokenLt, Literal: "<", Pos: start}
	case '>':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return Token{Type: TokenGe, Literal: ">=", Pos: start}
		}
		l.pos++
		return Token{Type: TokenGt, Literal: ">", Pos: start}
	case '\'', '"':
		return l.lexString(ch)
	}

	if unicode.IsDigit(rune(ch)) {
		return l.lexNumber()
	}
	if unicode.IsLetter(rune(ch)) || ch == '_' {
		return l.lexIdent()
	}

	l.pos++
	return Token{Type: TokenError, Literal: string(ch), Pos: start}
}

func (l *Lexer) peekAt(i int) byte {
	if i >= len(l.input) {
		return 0
	}
	return l.input[i]
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
}

func (l *Lexer) lexString(quote byte) Token {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == '\\' && l.pos+1 < len(l.input) {
			sb.WriteByte(l.input[l.pos+1])
			l.pos += 2
			continue
		}
		if ch == quote {
			l.pos++
			return Token{Type: TokenString, Literal: sb.String(), Pos: start}
		}
		sb.WriteByte(ch)
		l.pos++
	}
	return Token{Type: TokenError, Literal: "unterminated string", Pos: start}
}

func (l *Lexer) lexNumber() Token {
	start := l.pos
	for l.pos < len(l.input) && (unicode.IsDigit(rune(l.input[l.pos])) || l.input[l.pos] == '.') {
		l.pos++
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: start}
}

func (l *Lexer) lexIdent() Token {
	start := l.pos
	for l.pos < len(l.input) {
		ch := rune(l.input[l.pos])
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' {
			break
		}
		l.pos++
	}
	literal := l.input[start:l.pos]
	switch strings.ToLower(literal) {
	case "true":
		return Token{Type: TokenTrue, Literal: literal, Pos: start}
	case "false":
		return Token{Type: TokenFalse, Literal: literal, Pos: start}
	}
	return Token{Type: TokenIdent, Literal: literal, Pos: start}
}
