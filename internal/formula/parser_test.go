package formula

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrecedence(t *testing.T) {
	expr, err := Parse("1 + 2 * 3")
	require.NoError(t, err)
	assert.Equal(t, "(1 + (2 * 3))", expr.String())

	expr, err = Parse("(1 + 2) * 3")
	require.NoError(t, err)
	assert.Equal(t, "((1 + 2) * 3)", expr.String())

	expr, err = Parse("-2 + 1")
	require.NoError(t, err)
	assert.Equal(t, "((-2) + 1)", expr.String())
}

func TestParseFieldAndLookupRefs(t *testing.T) {
	expr, err := Parse(`concat(field("Name"), ", ", join(lookup("Customer", "City"), "; "))`)
	require.NoError(t, err)

	fields, lookups := References(expr)
	require.Len(t, fields, 1)
	assert.Equal(t, "Name", fields[0].Name)
	require.Len(t, lookups, 1)
	assert.Equal(t, "Customer", lookups[0].Link)
	assert.Equal(t, "City", lookups[0].Target)
}

func TestParseComparison(t *testing.T) {
	expr, err := Parse(`field("Age") >= 18`)
	require.NoError(t, err)
	bin, ok := expr.(*BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, TokenGe, bin.Op)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		``,
		`1 +`,
		`field(42)`,
		`lookup("a")`,
		`nosuchfunc(1)`,
		`(1 + 2`,
		`1 2`,
		`'unterminated`,
	}
	for _, input := range cases {
		_, err := Parse(input)
		assert.Error(t, err, "input %q should not parse", input)
	}
}

func TestParseStringEscapes(t *testing.T) {
	expr, err := Parse(`concat('it\'s', "a")`)
	require.NoError(t, err)
	call := expr.(*CallExpr)
	assert.Equal(t, "it's", call.Args[0].(*StringLit).Value)
}

func TestStringRoundTrip(t *testing.T) {
	src := `join(lookup("Customer", "City"), ", ")`
	expr, err := Parse(src)
	require.NoError(t, err)
	again, err := Parse(expr.String())
	require.NoError(t, err)
	assert.Equal(t, expr.String(), again.String())
}
