package types

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderKeyMidpoint(t *testing.T) {
	a := OrderKeyFromStep(1)
	b := OrderKeyFromStep(2)

	mid, err := Midpoint(a, b)
	require.NoError(t, err)
	assert.True(t, a.Less(mid))
	assert.True(t, mid.Less(b))
	assert.Equal(t, "000000000001.5000000000", mid.String())
}

func TestOrderKeyMidpointExhaustion(t *testing.T) {
	a := OrderKeyFromStep(1)
	b := OrderKeyFromStep(2)

	// Repeated halving between a fixed lower bound and a shrinking upper
	// bound must eventually report exhaustion instead of returning a
	// duplicate key.
	for i := 0; i < 64; i++ {
		mid, err := Midpoint(a, b)
		if err != nil {
			assert.ErrorIs(t, err, ErrOrderExhausted)
			return
		}
		require.True(t, a.Less(mid), "midpoint must stay strictly between neighbors")
		require.True(t, mid.Less(b))
		b = mid
	}
	t.Fatal("expected midpoint exhaustion within 64 halvings of a single step")
}

func TestOrderKeyStringSortsLexicographically(t *testing.T) {
	keys := []OrderKey{
		OrderKeyFromStep(10),
		OrderKeyFromStep(2),
		mustMidpoint(t, OrderKeyFromStep(2), OrderKeyFromStep(3)),
		OrderKeyFromStep(1),
	}

	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	sort.Strings(strs)

	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for i, k := range keys {
		assert.Equal(t, k.String(), strs[i], "lexicographic order must match numeric order")
	}
}

func TestOrderKeyRoundTrip(t *testing.T) {
	orig := mustMidpoint(t, OrderKeyFromStep(41), OrderKeyFromStep(42))
	parsed, err := ParseOrderKey(orig.String())
	require.NoError(t, err)
	assert.True(t, orig.Equal(parsed))

	_, err = ParseOrderKey("not-a-key")
	assert.Error(t, err)
}

func TestOrderKeyNext(t *testing.T) {
	mid := mustMidpoint(t, OrderKeyFromStep(3), OrderKeyFromStep(4))
	next := mid.Next()
	assert.True(t, next.Equal(OrderKeyFromStep(4)))
	assert.True(t, OrderKeyFromStep(7).Next().Equal(OrderKeyFromStep(8)))
}

func mustMidpoint(t *testing.T, a, b OrderKey) OrderKey {
	t.Helper()
	mid, err := Midpoint(a, b)
	require.NoError(t, err)
	return mid
}

// Any sequence of midpoint insertions must keep keys strictly between their
// neighbors, and every produced key must survive a string round trip.
func TestProperty_OrderKeyMidpointRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("midpoint stays strictly inside the gap", prop.ForAll(
		func(lo, width int64) bool {
			a := OrderKeyFromStep(lo)
			b := OrderKeyFromStep(lo + width)
			mid, err := Midpoint(a, b)
			if err != nil {
				return false
			}
			return a.Less(mid) && mid.Less(b)
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
	))

	properties.Property("string form round-trips", prop.ForAll(
		func(lo, width int64) bool {
			a := OrderKeyFromStep(lo)
			b := OrderKeyFromStep(lo + width)
			mid, err := Midpoint(a, b)
			if err != nil {
				return false
			}
			parsed, err := ParseOrderKey(mid.String())
			return err == nil && parsed.Equal(mid)
		},
		gen.Int64Range(1, 1_000_000),
		gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
