package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Fractional row ordering. Keys are fixed-precision decimals with ten
// fractional digits, represented as scaled integers. Inserting between two
// rows takes the midpoint and touches no other row; only when no midpoint
// exists between the neighbors does the table renumber.

// orderScale is the number of key units per whole step (10 decimal digits).
const orderScale = int64(10_000_000_000)

// ErrOrderExhausted is returned when no representable key exists between two
// neighbors; callers respond by renumbering the table.
var ErrOrderExhausted = errors.New("types: no order key available between neighbors")

// OrderKey is a row's position in its table. Keys are strictly positive;
// the zero key is the "before everything" sentinel used for moves to the top.
type OrderKey struct {
	units int64
}

// OrderKeyFromStep returns the key at whole step n (n >= 0).
func OrderKeyFromStep(n int64) OrderKey {
	return OrderKey{units: n * orderScale}
}

// Less reports whether k sorts before o.
func (k OrderKey) Less(o OrderKey) bool { return k.units < o.units }

// Equal reports whether two keys are the same position.
func (k OrderKey) Equal(o OrderKey) bool { return k.units == o.units }

// IsZero reports whether k is the top sentinel.
func (k OrderKey) IsZero() bool { return k.units == 0 }

// Next returns the first whole step after k, used when appending rows: the
// new key is strictly after every existing key and leaves a full step of gap.
func (k OrderKey) Next() OrderKey {
	return OrderKey{units: (k.units/orderScale + 1) * orderScale}
}

// Midpoint returns the key halfway between a and b (a < b). It fails with
// ErrOrderExhausted when the gap is too small to split.
func Midpoint(a, b OrderKey) (OrderKey, error) {
	if b.units <= a.units {
		return OrderKey{}, fmt.Errorf("types: midpoint of non-increasing keys %s, %s", a, b)
	}
	if b.units-a.units < 2 {
		return OrderKey{}, ErrOrderExhausted
	}
	return OrderKey{units: a.units + (b.units-a.units)/2}, nil
}

// String renders the key as a fixed-width decimal so that lexicographic
// order on the stored text matches numeric order (non-negative keys only).
func (k OrderKey) String() string {
	return fmt.Sprintf("%012d.%010d", k.units/orderScale, k.units%orderScale)
}

// ParseOrderKey parses the fixed-width form produced by String.
func ParseOrderKey(s string) (OrderKey, error) {
	whole, frac, ok := strings.Cut(s, ".")
	if !ok {
		return OrderKey{}, fmt.Errorf("types: malformed order key %q", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return OrderKey{}, fmt.Errorf("types: malformed order key %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil || len(frac) != 10 {
		return OrderKey{}, fmt.Errorf("types: malformed order key fraction %q", s)
	}
	return OrderKey{units: w*orderScale + f}, nil
}
