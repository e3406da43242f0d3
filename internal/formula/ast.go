package formula

import (
	"fmt"
	"strings"
)

// Expr represents a node of a parsed formula expression.
type Expr interface {
	exprNode()
	String() string
}

// NumberLit is a numeric literal.
type NumberLit struct {
	Value float64
}

func (*NumberLit) exprNode() {}

func (e *NumberLit) String() string {
	s := fmt.Sprintf("%f", e.Value)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// StringLit is a string literal.
type StringLit struct {
	Value string
}

func (*StringLit) exprNode() {}

func (e *StringLit) String() string {
	return "'" + strings.ReplaceAll(e.Value, "'", "\\'") + "'"
}

// BoolLit is a boolean literal.
type BoolLit struct {
	Value bool
}

func (*BoolLit) exprNode() {}

func (e *BoolLit) String() string {
	if e.Value {
		return "true"
	}
	return "false"
}

// FieldRef reads another field of the same table by name: field("Name").
type FieldRef struct {
	Name string
}

func (*FieldRef) exprNode() {}

func (e *FieldRef) String() string { return fmt.Sprintf("field(%q)", e.Name) }

// LookupRef reads a field of related rows through a link field:
// lookup("Link", "Target"). It evaluates to an ordered array of per-row values.
type LookupRef struct {
	Link   string
	Target string
}

func (*LookupRef) exprNode() {}

func (e *LookupRef) String() string { return fmt.Sprintf("lookup(%q, %q)", e.Link, e.Target) }

// BinaryExpr applies an infix operator.
type BinaryExpr struct {
	Op    TokenType
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left.String(), e.Op.String(), e.Right.String())
}

// UnaryExpr applies a prefix operator (numeric negation).
type UnaryExpr struct {
	Op      TokenType
	Operand Expr
}

func (*UnaryExpr) exprNode() {}

func (e *UnaryExpr) String() string {
	return fmt.Sprintf("(%s%s)", e.Op.String(), e.Operand.String())
}

// CallExpr invokes a pure function over its arguments.
type CallExpr struct {
	Name string
	Args []Expr
}

func (*CallExpr) exprNode() {}

func (e *CallExpr) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return fmt.Sprintf("%s(%s)", e.Name, strings.Join(args, ", "))
}

// Walk calls fn for every node of the expression tree, depth first.
func Walk(e Expr, fn func(Expr)) {
	fn(e)
	switch n := e.(type) {
	case *BinaryExpr:
		Walk(n.Left, fn)
		Walk(n.Right, fn)
	case *UnaryExpr:
		Walk(n.Operand, fn)
	case *CallExpr:
		for _, a := range n.Args {
			Walk(a, fn)
		}
	}
}

// References collects the field and lookup references of an expression.
func References(e Expr) (fields []FieldRef, lookups []LookupRef) {
	Walk(e, func(n Expr) {
		switch r := n.(type) {
		case *FieldRef:
			fields = append(fields, *r)
		case *LookupRef:
			lookups = append(lookups, *r)
		}
	})
	return fields, lookups
}
