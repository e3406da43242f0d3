package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqualNormalizesDates(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	utc := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	local := utc.In(berlin).Add(500 * time.Millisecond)

	// Same instant, different zone and sub-second precision: not a change.
	assert.True(t, Equal(KindDate, Date(utc), Date(local)))
	assert.False(t, Equal(KindDate, Date(utc), Date(utc.Add(time.Minute))))
}

func TestEqualLinkRowsByID(t *testing.T) {
	a := LinkedRows([]RowRef{{RowID: 7, Primary: "Berlin"}})
	b := LinkedRows([]RowRef{{RowID: 7, Primary: "Munich"}})
	c := LinkedRows([]RowRef{{RowID: 8, Primary: "Berlin"}})

	// The link identity is the row id; the primary text is display only.
	assert.True(t, Equal(KindLinkRow, a, b))
	assert.False(t, Equal(KindLinkRow, a, c))
}

func TestInvalidDisplaysAsNull(t *testing.T) {
	v := Invalid("references the deleted or unknown field City")
	assert.True(t, v.IsNull())
	assert.Equal(t, ValueNull, v.Display().Kind)
	assert.Equal(t, "references the deleted or unknown field City", v.Err)
}

func TestValueWireRoundTrip(t *testing.T) {
	vals := []Value{
		Null(),
		String("hello"),
		Number(42.5),
		Boolean(true),
		Date(time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)),
		Options("red", "blue"),
		LinkedRows([]RowRef{{RowID: 3, Primary: "Ada"}}),
		Array([]ArrayEntry{{RowID: 1, Value: String("x")}, {RowID: 2, Value: Null()}}),
		Invalid("broken"),
	}
	for _, v := range vals {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		var back Value
		require.NoError(t, json.Unmarshal(raw, &back))
		assert.True(t, deepEqual(v, back), "round trip changed %v", v)
	}
}

func TestFilterCompatibility(t *testing.T) {
	assert.True(t, KindText.SupportsFilter(OpContains))
	assert.False(t, KindBoolean.SupportsFilter(OpContains))
	assert.True(t, KindBoolean.SupportsFilter(OpBoolean))
	assert.False(t, KindText.SupportsFilter(OpBoolean))
	assert.True(t, KindNumber.SupportsFilter(OpHigherThan))
	assert.False(t, KindDate.SupportsFilter(OpHigherThan))
	assert.True(t, KindLinkRow.SupportsFilter(OpEmpty))
}

func TestSearchableKinds(t *testing.T) {
	assert.True(t, KindText.Searchable())
	assert.True(t, KindLookup.Searchable())
	assert.False(t, KindBoolean.Searchable())
	assert.False(t, KindLinkRow.Searchable())
}
