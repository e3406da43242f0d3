package formula

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrow/gridrow/pkg/types"
)

// fakeResolver types fields from a plain map; absent names are unknown.
type fakeResolver struct {
	fields  map[string]Type
	lookups map[string]Type // "link/target" -> element type
}

func (r *fakeResolver) FieldType(name string) (Type, bool) {
	t, ok := r.fields[name]
	return t, ok
}

func (r *fakeResolver) LookupType(link, target string) (Type, bool) {
	t, ok := r.lookups[link+"/"+target]
	return t, ok
}

type fakeRow struct {
	values  map[string]types.Value
	lookups map[string]types.Value
}

func (r *fakeRow) Field(name string) (types.Value, error) {
	v, ok := r.values[name]
	if !ok {
		return types.Value{}, fmt.Errorf("unknown field %s", name)
	}
	return v, nil
}

func (r *fakeRow) Lookup(link, target string) (types.Value, error) {
	v, ok := r.lookups[link+"/"+target]
	if !ok {
		return types.Value{}, fmt.Errorf("unknown lookup %s/%s", link, target)
	}
	return v, nil
}

func TestDeriveTypeScalars(t *testing.T) {
	r := &fakeResolver{
		fields: map[string]Type{
			"Age":  {Kind: types.KindNumber},
			"Name": {Kind: types.KindText},
			"When": {Kind: types.KindDate},
		},
		lookups: map[string]Type{
			"Customer/City":  {Kind: types.KindText},
			"Customer/Spend": {Kind: types.KindNumber},
		},
	}

	cases := []struct {
		src  string
		kind types.FieldKind
		arr  bool
	}{
		{`field("Age") * 2`, types.KindNumber, false},
		{`field("Age") >= 18`, types.KindBoolean, false},
		{`concat(field("Name"), "!")`, types.KindText, false},
		{`lookup("Customer", "City")`, types.KindText, true},
		{`join(lookup("Customer", "City"), ", ")`, types.KindText, false},
		{`sum(lookup("Customer", "Spend"))`, types.KindNumber, false},
		{`year(field("When"))`, types.KindNumber, false},
	}
	for _, tc := range cases {
		expr, err := Parse(tc.src)
		require.NoError(t, err, tc.src)
		typ := DeriveType(expr, r)
		require.False(t, typ.IsInvalid(), "%s: %s", tc.src, typ.Err)
		assert.Equal(t, tc.kind, typ.Kind, tc.src)
		assert.Equal(t, tc.arr, typ.Array, tc.src)
	}
}

func TestDeriveTypeBrokenReference(t *testing.T) {
	r := &fakeResolver{fields: map[string]Type{}, lookups: map[string]Type{}}

	expr, err := Parse(`field("City")`)
	require.NoError(t, err)
	typ := DeriveType(expr, r)
	require.True(t, typ.IsInvalid())
	assert.Equal(t, "references the deleted or unknown field City", typ.Err)

	expr, err = Parse(`join(lookup("Customer", "City"), ", ")`)
	require.NoError(t, err)
	typ = DeriveType(expr, r)
	require.True(t, typ.IsInvalid())
	assert.Contains(t, typ.Err, "City")
}

func TestDeriveTypeMismatch(t *testing.T) {
	r := &fakeResolver{
		fields: map[string]Type{
			"Name": {Kind: types.KindText},
			"Age":  {Kind: types.KindNumber},
		},
		lookups: map[string]Type{"Customer/City": {Kind: types.KindText}},
	}

	for _, src := range []string{
		`field("Name") + 1`,
		`field("Name") > field("Age")`,
		`sum(lookup("Customer", "City"))`,
		`join(field("Name"), ", ")`,
		`year(field("Age"))`,
	} {
		expr, err := Parse(src)
		require.NoError(t, err, src)
		assert.True(t, DeriveType(expr, r).IsInvalid(), src)
	}
}

func TestEvalArithmeticAndNulls(t *testing.T) {
	row := &fakeRow{values: map[string]types.Value{
		"A":    types.Number(10),
		"B":    types.Number(4),
		"None": types.Null(),
	}}

	eval := func(src string) types.Value {
		expr, err := Parse(src)
		require.NoError(t, err)
		return Eval(expr, row)
	}

	assert.Equal(t, types.Number(14), eval(`field("A") + field("B")`))
	assert.Equal(t, types.Number(2.5), eval(`field("A") / field("B")`))
	assert.Equal(t, types.Null(), eval(`field("A") / 0`))
	assert.Equal(t, types.Null(), eval(`field("None") * 3`))
	assert.Equal(t, types.Boolean(true), eval(`field("A") > field("B")`))
	assert.Equal(t, types.Boolean(false), eval(`field("None") > field("B")`))
	assert.Equal(t, types.Number(-10), eval(`-field("A")`))
}

func TestEvalLookupAggregates(t *testing.T) {
	row := &fakeRow{
		values: map[string]types.Value{"Name": types.String("Order 1")},
		lookups: map[string]types.Value{
			"Customer/City": types.Array([]types.ArrayEntry{
				{RowID: 7, Value: types.String("Berlin")},
				{RowID: 9, Value: types.String("Paris")},
			}),
			"Customer/Spend": types.Array([]types.ArrayEntry{
				{RowID: 7, Value: types.Number(12)},
				{RowID: 9, Value: types.Number(30)},
			}),
		},
	}

	eval := func(src string) types.Value {
		expr, err := Parse(src)
		require.NoError(t, err)
		return Eval(expr, row)
	}

	assert.Equal(t, types.String("Berlin; Paris"), eval(`join(lookup("Customer", "City"), "; ")`))
	assert.Equal(t, types.Number(42), eval(`sum(lookup("Customer", "Spend"))`))
	assert.Equal(t, types.Number(12), eval(`min(lookup("Customer", "Spend"))`))
	assert.Equal(t, types.Number(30), eval(`max(lookup("Customer", "Spend"))`))
	assert.Equal(t, types.Number(2), eval(`count(lookup("Customer", "City"))`))
	assert.Equal(t, types.String("Order 1: Berlin, Paris"),
		eval(`concat(field("Name"), ": ", join(lookup("Customer", "City"), ", "))`))
}

func TestEvalBrokenReferenceReadsAsNull(t *testing.T) {
	row := &fakeRow{values: map[string]types.Value{}}

	expr, err := Parse(`field("Gone")`)
	require.NoError(t, err)
	v := Eval(expr, row)
	assert.Equal(t, types.ValueInvalid, v.Kind)
	assert.Equal(t, "references the deleted or unknown field Gone", v.Err)
	assert.True(t, v.IsNull())
	assert.Equal(t, types.ValueNull, v.Display().Kind)
}

func TestEvalDateFunctions(t *testing.T) {
	row := &fakeRow{values: map[string]types.Value{
		"When": types.Date(time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)),
	}}

	eval := func(src string) types.Value {
		expr, err := Parse(src)
		require.NoError(t, err)
		return Eval(expr, row)
	}

	assert.Equal(t, types.Number(2026), eval(`year(field("When"))`))
	assert.Equal(t, types.Number(8), eval(`month(field("When"))`))
	assert.Equal(t, types.Number(29), eval(`day(field("When"))`))
	assert.Equal(t, types.ValueTime, eval(`todate("2026-01-15")`).Kind)
	assert.Equal(t, types.Null(), eval(`todate("not a date")`))
}
