package formula

import (
	"fmt"
	"strings"
	"time"

	"github.com/gridrow/gridrow/pkg/types"
)

// RowContext supplies the values of the current row (and its related rows)
// during evaluation. Field values for derived fields are expected to be
// already computed: propagation order guarantees dependencies settle first.
type RowContext interface {
	// Field returns the current row's value for the named same-table field.
	Field(name string) (types.Value, error)

	// Lookup returns the array of values read through the named link field,
	// one entry per related row in the related rows' order.
	Lookup(link, target string) (types.Value, error)
}

// Eval computes the expression for one row. Evaluation never panics and
// never returns an error: broken references evaluate to an invalid value
// (which reads as null), and null operands propagate as null.
func Eval(e Expr, row RowContext) types.Value {
	switch n := e.(type) {
	case *NumberLit:
		return types.Number(n.Value)
	case *StringLit:
		return types.String(n.Value)
	case *BoolLit:
		return types.Boolean(n.Value)
	case *FieldRef:
		v, err := row.Field(n.Name)
		if err != nil {
			return types.Invalid(fmt.Sprintf("references the deleted or unknown field %s", n.Name))
		}
		return v.Display()
	case *LookupRef:
		v, err := row.Lookup(n.Link, n.Target)
		if err != nil {
			return types.Invalid(fmt.Sprintf("references the deleted or unknown field %s through %s", n.Target, n.Link))
		}
		return v.Display()
	case *UnaryExpr:
		operand := Eval(n.Operand, row)
		if operand.IsNull() {
			return types.Null()
		}
		if operand.Kind != types.ValueNumber {
			return types.Invalid(fmt.Sprintf("operator %s requires a number operand", n.Op))
		}
		return types.Number(-operand.Num)
	case *BinaryExpr:
		return evalBinary(n, row)
	case *CallExpr:
		return evalCall(n, row)
	}
	return types.Invalid("unsupported expression")
}

func evalBinary(n *BinaryExpr, row RowContext) types.Value {
	left := Eval(n.Left, row)
	right := Eval(n.Right, row)

	switch n.Op {
	case TokenPlus, TokenMinus, TokenStar, TokenSlash:
		if left.IsNull() || right.IsNull() {
			return types.Null()
		}
		if left.Kind != types.ValueNumber || right.Kind != types.ValueNumber {
			return types.Invalid(fmt.Sprintf("operator %s requires number operands", n.Op))
		}
		switch n.Op {
		case TokenPlus:
			return types.Number(left.Num + right.Num)
		case TokenMinus:
			return types.Number(left.Num - right.Num)
		case TokenStar:
			return types.Number(left.Num * right.Num)
		default:
			if right.Num == 0 {
				return types.Null()
			}
			return types.Number(left.Num / right.Num)
		}
	case TokenEq:
		return types.Boolean(types.Compare(left, right) == 0)
	case TokenNe:
		return types.Boolean(types.Compare(left, right) != 0)
	case TokenLt, TokenGt, TokenLe, TokenGe:
		if left.IsNull() || right.IsNull() {
			return types.Boolean(false)
		}
		c := types.Compare(left, right)
		switch n.Op {
		case TokenLt:
			return types.Boolean(c < 0)
		case TokenGt:
			return types.Boolean(c > 0)
		case TokenLe:
			return types.Boolean(c <= 0)
		default:
			return types.Boolean(c >= 0)
		}
	}
	return types.Invalid(fmt.Sprintf("unsupported operator %s", n.Op))
}

func evalCall(n *CallExpr, row RowContext) types.Value {
	spec, ok := functions[n.Name]
	if !ok {
		return types.Invalid(fmt.Sprintf("unknown function %s", n.Name))
	}
	if len(n.Args) < spec.minArgs || (spec.maxArgs >= 0 && len(n.Args) > spec.maxArgs) {
		return types.Invalid(fmt.Sprintf("function %s takes %s arguments, got %d", n.Name, spec.arity(), len(n.Args)))
	}
	args := make([]types.Value, len(n.Args))
	for i, a := range n.Args {
		args[i] = Eval(a, row)
		if args[i].Kind == types.ValueInvalid {
			return args[i]
		}
	}
	return spec.eval(args)
}

// funcSpec describes one pure function: its arity, its type-derivation rule,
// and its row-level evaluation. maxArgs of -1 means variadic.
type funcSpec struct {
	minArgs int
	maxArgs int
	derive  func(name string, args []Type) Type
	eval    func(args []types.Value) types.Value
}

func (s funcSpec) arity() string {
	if s.maxArgs < 0 {
		return fmt.Sprintf("at least %d", s.minArgs)
	}
	if s.minArgs == s.maxArgs {
		return fmt.Sprintf("%d", s.minArgs)
	}
	return fmt.Sprintf("%d to %d", s.minArgs, s.maxArgs)
}

func scalarText(name string, args []Type) Type {
	if args[0].Array {
		return invalidType("function %s takes a scalar argument; aggregate the list first", name)
	}
	return Type{Kind: types.KindText}
}

func aggregateNumber(name string, args []Type) Type {
	if !args[0].Array {
		return invalidType("function %s aggregates a lookup list", name)
	}
	if args[0].Kind != types.KindNumber && args[0].Kind != types.KindCount {
		return invalidType("function %s requires a list of numbers", name)
	}
	return Type{Kind: types.KindNumber}
}

var functions = map[string]funcSpec{
	"concat": {
		minArgs: 1, maxArgs: -1,
		derive: func(name string, args []Type) Type { return Type{Kind: types.KindText} },
		eval: func(args []types.Value) types.Value {
			var sb strings.Builder
			for _, a := range args {
				sb.WriteString(a.Text())
			}
			return types.String(sb.String())
		},
	},
	"upper": {
		minArgs: 1, maxArgs: 1,
		derive: scalarText,
		eval: func(args []types.Value) types.Value {
			if args[0].IsNull() {
				return types.Null()
			}
			return types.String(strings.ToUpper(args[0].Text()))
		},
	},
	"lower": {
		minArgs: 1, maxArgs: 1,
		derive: scalarText,
		eval: func(args []types.Value) types.Value {
			if args[0].IsNull() {
				return types.Null()
			}
			return types.String(strings.ToLower(args[0].Text()))
		},
	},
	"totext": {
		minArgs: 1, maxArgs: 1,
		derive: func(name string, args []Type) Type { return Type{Kind: types.KindText} },
		eval: func(args []types.Value) types.Value {
			return types.String(args[0].Text())
		},
	},
	"join": {
		minArgs: 2, maxArgs: 2,
		derive: func(name string, args []Type) Type {
			if !args[0].Array {
				return invalidType("function join requires a lookup list as its first argument")
			}
			if args[1].Array || args[1].Kind != types.KindText {
				return invalidType("function join requires a text separator")
			}
			return Type{Kind: types.KindText}
		},
		eval: func(args []types.Value) types.Value {
			if args[0].Kind != types.ValueArray {
				return types.Null()
			}
			parts := make([]string, len(args[0].Arr))
			for i, e := range args[0].Arr {
				parts[i] = e.Value.Text()
			}
			return types.String(strings.Join(parts, args[1].Text()))
		},
	},
	"sum": {
		minArgs: 1, maxArgs: 1,
		derive: aggregateNumber,
		eval: func(args []types.Value) types.Value {
			if args[0].Kind != types.ValueArray {
				return types.Null()
			}
			total := 0.0
			for _, e := range args[0].Arr {
				if e.Value.Kind == types.ValueNumber {
					total += e.Value.Num
				}
			}
			return types.Number(total)
		},
	},
	"min": {
		minArgs: 1, maxArgs: 1,
		derive: aggregateNumber,
		eval:   func(args []types.Value) types.Value { return arrayExtremum(args[0], false) },
	},
	"max": {
		minArgs: 1, maxArgs: 1,
		derive: aggregateNumber,
		eval:   func(args []types.Value) types.Value { return arrayExtremum(args[0], true) },
	},
	"count": {
		minArgs: 1, maxArgs: 1,
		derive: func(name string, args []Type) Type {
			if !args[0].Array {
				return invalidType("function count requires a lookup list")
			}
			return Type{Kind: types.KindNumber}
		},
		eval: func(args []types.Value) types.Value {
			if args[0].Kind != types.ValueArray {
				return types.Null()
			}
			return types.Number(float64(len(args[0].Arr)))
		},
	},
	"year":  datePart(func(t time.Time) int { return t.Year() }),
	"month": datePart(func(t time.Time) int { return int(t.Month()) }),
	"day":   datePart(func(t time.Time) int { return t.Day() }),
	"now": {
		minArgs: 0, maxArgs: 0,
		derive: func(name string, args []Type) Type { return Type{Kind: types.KindDate} },
		eval: func(args []types.Value) types.Value {
			return types.Date(time.Now().UTC())
		},
	},
	"todate": {
		minArgs: 1, maxArgs: 1,
		derive: func(name string, args []Type) Type {
			if args[0].Array || args[0].Kind != types.KindText {
				return invalidType("function todate requires a text argument")
			}
			return Type{Kind: types.KindDate}
		},
		eval: func(args []types.Value) types.Value {
			if args[0].IsNull() {
				return types.Null()
			}
			for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339} {
				if t, err := time.Parse(layout, args[0].Text()); err == nil {
					return types.Date(t)
				}
			}
			return types.Null()
		},
	},
}

func datePart(part func(time.Time) int) funcSpec {
	return funcSpec{
		minArgs: 1, maxArgs: 1,
		derive: func(name string, args []Type) Type {
			if args[0].Array || args[0].Kind != types.KindDate {
				return invalidType("function %s requires a date argument", name)
			}
			return Type{Kind: types.KindNumber}
		},
		eval: func(args []types.Value) types.Value {
			if args[0].IsNull() || args[0].Kind != types.ValueTime {
				return types.Null()
			}
			return types.Number(float64(part(args[0].Time.UTC())))
		},
	}
}

func arrayExtremum(v types.Value, max bool) types.Value {
	if v.Kind != types.ValueArray {
		return types.Null()
	}
	best := types.Null()
	for _, e := range v.Arr {
		if e.Value.Kind != types.ValueNumber {
			continue
		}
		if best.IsNull() || (max && e.Value.Num > best.Num) || (!max && e.Value.Num < best.Num) {
			best = e.Value
		}
	}
	return best
}
