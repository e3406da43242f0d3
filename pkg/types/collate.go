package types

import "strings"

// Compare defines the total collation order used by view sorting.
//
// Null sorts first. Values of different runtime kinds order by kind rank so
// mixed columns (formula re-typing mid-sort) stay deterministic. Arrays
// (lookup results) compare element by prefix: the first unequal element
// decides, and when one array is a prefix of the other the shorter sorts
// first. The empty array therefore sorts first ascending.
//
// Descending order is defined as the exact reverse of this ordering; callers
// must reverse a Compare-sorted slice rather than compute a second ordering.
func Compare(a, b Value) int {
	a, b = a.Display(), b.Display()
	if a.Kind == ValueNull && b.Kind == ValueNull {
		return 0
	}
	if a.Kind == ValueNull {
		return -1
	}
	if b.Kind == ValueNull {
		return 1
	}
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch a.Kind {
	case ValueString:
		return strings.Compare(a.Str, b.Str)
	case ValueNumber:
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		}
		return 0
	case ValueBool:
		if a.Bool == b.Bool {
			return 0
		}
		if !a.Bool {
			return -1
		}
		return 1
	case ValueTime:
		at, bt := normalizeTime(a.Time), normalizeTime(b.Time)
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		}
		return 0
	case ValueOptions:
		return strings.Compare(strings.Join(a.Opts, "\x00"), strings.Join(b.Opts, "\x00"))
	case ValueRows:
		return strings.Compare(a.Text(), b.Text())
	case ValueArray:
		n := len(a.Arr)
		if len(b.Arr) < n {
			n = len(b.Arr)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.Arr[i].Value, b.Arr[i].Value); c != 0 {
				return c
			}
		}
		return len(a.Arr) - len(b.Arr)
	}
	return 0
}
