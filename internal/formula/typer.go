package formula

import (
	"fmt"

	"github.com/gridrow/gridrow/pkg/types"
)

// Type is the derived output type of a formula expression. A formula whose
// tree references a deleted field or cannot be typed carries an invalid type
// with a human-readable error; its value reads as null and the formula text
// is preserved untouched for later re-derivation.
type Type struct {
	Kind  types.FieldKind
	Array bool
	Err   string
}

// IsInvalid reports whether the type carries an error.
func (t Type) IsInvalid() bool { return t.Err != "" }

func invalidType(format string, args ...interface{}) Type {
	return Type{Err: fmt.Sprintf(format, args...)}
}

// Resolver supplies field type information for the table a formula belongs
// to. Implementations resolve lookups through link fields into the related
// table's schema.
type Resolver interface {
	// FieldType returns the output type of the named same-table field.
	FieldType(name string) (Type, bool)

	// LookupType returns the element type of looking up target through the
	// named link field.
	LookupType(link, target string) (Type, bool)
}

// DeriveType walks the expression against the schema and derives the
// formula's output type. It never fails with an error: untypeable trees
// produce an invalid Type carrying the reason.
func DeriveType(e Expr, r Resolver) Type {
	switch n := e.(type) {
	case *NumberLit:
		return Type{Kind: types.KindNumber}
	case *StringLit:
		return Type{Kind: types.KindText}
	case *BoolLit:
		return Type{Kind: types.KindBoolean}
	case *FieldRef:
		t, ok := r.FieldType(n.Name)
		if !ok {
			return invalidType("references the deleted or unknown field %s", n.Name)
		}
		return t
	case *LookupRef:
		t, ok := r.LookupType(n.Link, n.Target)
		if !ok {
			return invalidType("references the deleted or unknown field %s through %s", n.Target, n.Link)
		}
		t.Array = true
		return t
	case *UnaryExpr:
		operand := DeriveType(n.Operand, r)
		if operand.IsInvalid() {
			return operand
		}
		if operand.Array || operand.Kind != types.KindNumber {
			return invalidType("operator %s requires a number operand", n.Op)
		}
		return Type{Kind: types.KindNumber}
	case *BinaryExpr:
		return deriveBinaryType(n, r)
	case *CallExpr:
		return deriveCallType(n, r)
	}
	return invalidType("unsupported expression")
}

func deriveBinaryType(n *BinaryExpr, r Resolver) Type {
	left := DeriveType(n.Left, r)
	if left.IsInvalid() {
		return left
	}
	right := DeriveType(n.Right, r)
	if right.IsInvalid() {
		return right
	}
	switch n.Op {
	case TokenPlus, TokenMinus, TokenStar, TokenSlash:
		if left.Array || right.Array || left.Kind != types.KindNumber || right.Kind != types.KindNumber {
			return invalidType("operator %s requires number operands", n.Op)
		}
		return Type{Kind: types.KindNumber}
	case TokenEq, TokenNe, TokenLt, TokenGt, TokenLe, TokenGe:
		if left.Array || right.Array {
			return invalidType("operator %s cannot compare list values; aggregate them first", n.Op)
		}
		if left.Kind != right.Kind {
			return invalidType("operator %s cannot compare %s with %s", n.Op, left.Kind, right.Kind)
		}
		return Type{Kind: types.KindBoolean}
	}
	return invalidType("unsupported operator %s", n.Op)
}

func deriveCallType(n *CallExpr, r Resolver) Type {
	spec, ok := functions[n.Name]
	if !ok {
		return invalidType("unknown function %s", n.Name)
	}
	if len(n.Args) < spec.minArgs || (spec.maxArgs >= 0 && len(n.Args) > spec.maxArgs) {
		return invalidType("function %s takes %s arguments, got %d", n.Name, spec.arity(), len(n.Args))
	}
	args := make([]Type, len(n.Args))
	for i, a := range n.Args {
		args[i] = DeriveType(a, r)
		if args[i].IsInvalid() {
			return args[i]
		}
	}
	return spec.derive(n.Name, args)
}
