package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/internal/index"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = filepath.Join(cfg.DataDir, "grid.db")
	cfg.Store.BatchSize = 50
	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// customersAndOrders builds the canonical two-table setup: customers with a
// name, orders linking to a customer with an amount.
func customersAndOrders(t *testing.T, s *Store) (customers, orders *schema.Table) {
	t.Helper()
	ctx := context.Background()

	customers, err := s.CreateTable(ctx, "Customers", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
	})
	require.NoError(t, err)

	orders, err = s.CreateTable(ctx, "Orders", []FieldSpec{
		{Name: "Ref", Kind: types.KindText},
		{Name: "Amount", Kind: types.KindNumber},
		{Name: "Customer", Kind: types.KindLinkRow, Config: schema.FieldConfig{LinkTableID: customers.ID}},
	})
	require.NoError(t, err)
	return customers, orders
}

func TestCreateTableAndRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Tasks", []FieldSpec{
		{Name: "Title", Kind: types.KindText},
		{Name: "Done", Kind: types.KindBoolean},
	})
	require.NoError(t, err)
	assert.True(t, table.Fields[0].Primary, "first field becomes primary")

	title := table.Fields[0].ID
	done := table.Fields[1].ID
	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{title: types.String("write"), done: types.Boolean(false)},
		{title: types.String("review"), done: types.Boolean(true)},
	}, WriteOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	rows, err := s.QueryRows(table.ID, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "write", rows[0].Value(title).Str)
	assert.Equal(t, "review", rows[1].Value(title).Str)
	assert.True(t, rows[0].Order.Less(rows[1].Order))
}

func TestCreateTableValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTable(ctx, "Bad", []FieldSpec{
		{Name: "A", Kind: types.KindText},
		{Name: "A", Kind: types.KindNumber},
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeDuplicateFieldName, errors.GetCode(err))

	_, err = s.CreateTable(ctx, "Bad", []FieldSpec{
		{Name: "id", Kind: types.KindText},
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeReservedFieldName, errors.GetCode(err))
}

func TestUpdateRowsPropagatesFormula(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Sheet", []FieldSpec{
		{Name: "A", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	a := table.Fields[0].ID

	doubled, err := s.CreateField(ctx, table.ID, FieldSpec{
		Name: "Doubled", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `field("A") * 2`},
	})
	require.NoError(t, err)

	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{a: types.Number(21)},
	}, WriteOptions{})
	require.NoError(t, err)

	row, err := s.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 42.0, row.Value(doubled.ID).Num)

	err = s.UpdateRows(ctx, table.ID, []RowUpdate{
		{RowID: ids[0], Values: map[int64]types.Value{a: types.Number(5)}},
	}, WriteOptions{})
	require.NoError(t, err)

	row, err = s.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 10.0, row.Value(doubled.ID).Num)
}

func TestFormulaChainRecomputesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Chain", []FieldSpec{
		{Name: "Base", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	base := table.Fields[0].ID

	_, err = s.CreateField(ctx, table.ID, FieldSpec{
		Name: "Plus1", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `field("Base") + 1`},
	})
	require.NoError(t, err)
	plus2, err := s.CreateField(ctx, table.ID, FieldSpec{
		Name: "Plus2", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `field("Plus1") + 1`},
	})
	require.NoError(t, err)

	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{base: types.Number(1)},
	}, WriteOptions{})
	require.NoError(t, err)

	row, err := s.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3.0, row.Value(plus2.ID).Num)
}

func TestLookupAcrossLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	customers, orders := customersAndOrders(t, s)

	name := customers.Fields[0].ID
	custIDs, err := s.CreateRows(ctx, customers.ID, []map[int64]types.Value{
		{name: types.String("Ada")},
	}, WriteOptions{})
	require.NoError(t, err)

	ref := orders.Fields[0].ID
	amount := orders.Fields[1].ID
	link := orders.Fields[2].ID
	orderIDs, err := s.CreateRows(ctx, orders.ID, []map[int64]types.Value{
		{ref: types.String("o-1"), amount: types.Number(10), link: types.LinkedRows([]types.RowRef{{RowID: custIDs[0]}})},
		{ref: types.String("o-2"), amount: types.Number(32), link: types.LinkedRows([]types.RowRef{{RowID: custIDs[0]}})},
	}, WriteOptions{})
	require.NoError(t, err)

	// The reversed link on the customer side picked up both orders.
	reversed := orders.Fields[2].Config.ReversedFieldID
	require.NotZero(t, reversed)
	custRow, err := s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	require.Len(t, custRow.Value(reversed).Rows, 2)

	// Lookup of order amounts from the customer side.
	amounts, err := s.CreateField(ctx, customers.ID, FieldSpec{
		Name: "Amounts", Kind: types.KindLookup,
		Config: schema.FieldConfig{ThroughFieldID: reversed, TargetFieldID: amount},
	})
	require.NoError(t, err)

	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	arr := custRow.Value(amounts.ID)
	require.Equal(t, types.ValueArray, arr.Kind)
	require.Len(t, arr.Arr, 2)
	assert.Equal(t, 10.0, arr.Arr[0].Value.Num)
	assert.Equal(t, 32.0, arr.Arr[1].Value.Num)

	// Editing an order amount updates the lookup.
	err = s.UpdateRows(ctx, orders.ID, []RowUpdate{
		{RowID: orderIDs[0], Values: map[int64]types.Value{amount: types.Number(99)}},
	}, WriteOptions{})
	require.NoError(t, err)
	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 99.0, custRow.Value(amounts.ID).Arr[0].Value.Num)

	// Trashing an order drops it from the lookup; restore brings it back.
	require.NoError(t, s.DeleteRows(ctx, orders.ID, []int64{orderIDs[1]}, false, WriteOptions{}))
	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	require.Len(t, custRow.Value(amounts.ID).Arr, 1)

	require.NoError(t, s.RestoreRows(ctx, orders.ID, []int64{orderIDs[1]}, WriteOptions{}))
	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	assert.Len(t, custRow.Value(amounts.ID).Arr, 2)
}

func TestCountField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	customers, orders := customersAndOrders(t, s)

	name := customers.Fields[0].ID
	custIDs, err := s.CreateRows(ctx, customers.ID, []map[int64]types.Value{
		{name: types.String("Ada")},
	}, WriteOptions{})
	require.NoError(t, err)

	reversed := orders.Fields[2].Config.ReversedFieldID
	count, err := s.CreateField(ctx, customers.ID, FieldSpec{
		Name: "Order count", Kind: types.KindCount,
		Config: schema.FieldConfig{ThroughFieldID: reversed},
	})
	require.NoError(t, err)

	custRow, err := s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 0.0, custRow.Value(count.ID).Num)

	ref := orders.Fields[0].ID
	link := orders.Fields[2].ID
	orderIDs, err := s.CreateRows(ctx, orders.ID, []map[int64]types.Value{
		{ref: types.String("o-1"), link: types.LinkedRows([]types.RowRef{{RowID: custIDs[0]}})},
		{ref: types.String("o-2"), link: types.LinkedRows([]types.RowRef{{RowID: custIDs[0]}})},
	}, WriteOptions{})
	require.NoError(t, err)

	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 2.0, custRow.Value(count.ID).Num)

	// Removing the link from the order side updates the count.
	err = s.UpdateRows(ctx, orders.ID, []RowUpdate{
		{RowID: orderIDs[0], Values: map[int64]types.Value{link: types.LinkedRows(nil)}},
	}, WriteOptions{})
	require.NoError(t, err)
	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	assert.Equal(t, 1.0, custRow.Value(count.ID).Num)
}

func TestBrokenReferenceAndHeal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	customers, orders := customersAndOrders(t, s)

	name := customers.Fields[0].ID
	custIDs, err := s.CreateRows(ctx, customers.ID, []map[int64]types.Value{
		{name: types.String("Ada")},
	}, WriteOptions{})
	require.NoError(t, err)

	amount := orders.Fields[1].ID
	link := orders.Fields[2].ID
	_, err = s.CreateRows(ctx, orders.ID, []map[int64]types.Value{
		{amount: types.Number(7), link: types.LinkedRows([]types.RowRef{{RowID: custIDs[0]}})},
	}, WriteOptions{})
	require.NoError(t, err)

	reversed := orders.Fields[2].Config.ReversedFieldID
	amounts, err := s.CreateField(ctx, customers.ID, FieldSpec{
		Name: "Amounts", Kind: types.KindLookup,
		Config: schema.FieldConfig{ThroughFieldID: reversed, TargetFieldID: amount},
	})
	require.NoError(t, err)

	// Deleting the target field breaks the lookup: it reads as null.
	require.NoError(t, s.DeleteField(ctx, orders.ID, amount, false))
	broken, ok := customers.FieldByID(amounts.ID)
	require.True(t, ok)
	assert.Contains(t, broken.Config.ErrorText, "Amount")
	custRow, err := s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	assert.True(t, s.fieldValue(broken, custRow).IsNull())

	// Restoring the field under the same name heals the lookup.
	_, err = s.RestoreField(ctx, amount)
	require.NoError(t, err)
	healed, ok := customers.FieldByID(amounts.ID)
	require.True(t, ok)
	assert.Empty(t, healed.Config.ErrorText)
	custRow, err = s.Row(customers.ID, custIDs[0])
	require.NoError(t, err)
	arr := custRow.Value(amounts.ID)
	require.Equal(t, types.ValueArray, arr.Kind)
	require.Len(t, arr.Arr, 1)
	assert.Equal(t, 7.0, arr.Arr[0].Value.Num)
}

func TestHealByRecreatedFieldName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Sheet", []FieldSpec{
		{Name: "A", Kind: types.KindNumber},
		{Name: "B", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	b := table.Fields[1].ID

	doubled, err := s.CreateField(ctx, table.ID, FieldSpec{
		Name: "Doubled", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `field("B") * 2`},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteField(ctx, table.ID, b, true))
	brokenField, _ := table.FieldByID(doubled.ID)
	assert.Contains(t, brokenField.Config.ErrorText, "field B")

	// A brand-new field of the same name heals the formula.
	nb, err := s.CreateField(ctx, table.ID, FieldSpec{Name: "B", Kind: types.KindNumber})
	require.NoError(t, err)
	require.NotEqual(t, b, nb.ID)
	healedField, _ := table.FieldByID(doubled.ID)
	assert.Empty(t, healedField.Config.ErrorText)

	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{nb.ID: types.Number(4)},
	}, WriteOptions{})
	require.NoError(t, err)
	row, err := s.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 8.0, row.Value(doubled.ID).Num)
}

func TestCircularDependencyMarked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Loop", []FieldSpec{
		{Name: "Seed", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	seed := table.Fields[0].ID

	// F references the not-yet-existing G; creating G closes the loop.
	f, err := s.CreateField(ctx, table.ID, FieldSpec{
		Name: "F", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `field("G") + 1`},
	})
	require.NoError(t, err)
	g, err := s.CreateField(ctx, table.ID, FieldSpec{
		Name: "G", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `field("F") + 1`},
	})
	require.NoError(t, err)

	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{seed: types.Number(1)},
	}, WriteOptions{})
	require.NoError(t, err)

	fField, _ := table.FieldByID(f.ID)
	gField, _ := table.FieldByID(g.ID)
	assert.True(t, fField.Config.ErrorText != "" || gField.Config.ErrorText != "",
		"at least one side of the cycle is marked invalid")

	row, err := s.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.True(t, s.fieldValue(fField, row).IsNull() || s.fieldValue(gField, row).IsNull())
}

func TestMoveRowAndRenumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "List", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
	})
	require.NoError(t, err)
	name := table.Fields[0].ID

	values := make([]map[int64]types.Value, 4)
	for i := range values {
		values[i] = map[int64]types.Value{name: types.String(fmt.Sprintf("r%d", i))}
	}
	ids, err := s.CreateRows(ctx, table.ID, values, WriteOptions{})
	require.NoError(t, err)

	// Move the last row to the front.
	require.NoError(t, s.MoveRow(ctx, table.ID, ids[3], ids[0]))
	rows, err := s.QueryRows(table.ID, Query{})
	require.NoError(t, err)
	assert.Equal(t, ids[3], rows[0].ID)
	assert.Equal(t, ids[0], rows[1].ID)

	// Alternately squeezing two rows into the same gap halves it each
	// time until no key fits and the table renumbers.
	for i := 0; i < 60; i++ {
		require.NoError(t, s.MoveRow(ctx, table.ID, ids[i%2], ids[2]))
	}
	assert.Greater(t, s.Counters().RenumberedTables.Load(), int64(0))

	rows, err = s.QueryRows(table.ID, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for i := 1; i < len(rows); i++ {
		assert.True(t, rows[i-1].Order.Less(rows[i].Order), "order keys stay strictly increasing")
	}
}

func TestQueryFilterAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "People", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Age", Kind: types.KindNumber},
		{Name: "Active", Kind: types.KindBoolean},
	})
	require.NoError(t, err)
	name, age, active := table.Fields[0].ID, table.Fields[1].ID, table.Fields[2].ID

	_, err = s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{name: types.String("Ada"), age: types.Number(36), active: types.Boolean(true)},
		{name: types.String("Grace"), age: types.Number(45), active: types.Boolean(false)},
		{name: types.String("Linus"), age: types.Number(29), active: types.Boolean(true)},
	}, WriteOptions{})
	require.NoError(t, err)

	rows, err := s.QueryRows(table.ID, Query{Filter: &FilterGroup{
		Conjunction: "AND",
		Conditions: []Condition{
			{FieldID: age, Op: types.OpHigherThan, Value: types.Number(30)},
			{FieldID: active, Op: types.OpBoolean, Value: types.Boolean(true)},
		},
	}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Ada", rows[0].Value(name).Str)

	// Nested OR group.
	rows, err = s.QueryRows(table.ID, Query{Filter: &FilterGroup{
		Conjunction: "OR",
		Groups: []FilterGroup{
			{Conjunction: "AND", Conditions: []Condition{{FieldID: name, Op: types.OpEqual, Value: types.String("Grace")}}},
			{Conjunction: "AND", Conditions: []Condition{{FieldID: age, Op: types.OpLowerThan, Value: types.Number(30)}}},
		},
	}})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Incompatible operator is rejected, not skipped.
	_, err = s.QueryRows(table.ID, Query{Filter: &FilterGroup{
		Conditions: []Condition{{FieldID: active, Op: types.OpContains, Value: types.String("x")}},
	}})
	require.Error(t, err)
	assert.Equal(t, errors.CodeIncompatibleFilter, errors.GetCode(err))

	// Search spans searchable fields and matches row ids.
	rows, err = s.QueryRows(table.ID, Query{Search: "gra"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Grace", rows[0].Value(name).Str)

	rows, err = s.QueryRows(table.ID, Query{Search: fmt.Sprintf("%d", rows[0].ID)})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestQuerySortDescendingIsExactReverse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Nums", []FieldSpec{
		{Name: "N", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	n := table.Fields[0].ID

	// Tied values included: the tie-break must flip with the sort
	// direction or descending stops being the reverse of ascending.
	_, err = s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{n: types.Number(3)},
		{},
		{n: types.Number(1)},
		{n: types.Number(1)},
		{n: types.Number(2)},
		{n: types.Number(2)},
	}, WriteOptions{})
	require.NoError(t, err)

	asc, err := s.QueryRows(table.ID, Query{Sorts: []SortOrder{{FieldID: n}}})
	require.NoError(t, err)
	desc, err := s.QueryRows(table.ID, Query{Sorts: []SortOrder{{FieldID: n, Descending: true}}})
	require.NoError(t, err)
	require.Len(t, asc, 6)
	require.Len(t, desc, 6)
	assert.True(t, asc[0].Value(n).IsNull(), "null sorts first ascending")
	for i := range asc {
		assert.Equal(t, asc[i].ID, desc[len(desc)-1-i].ID)
	}
}

// Queries filter, sort, and clone under the read lock while updates land
// concurrently; run with -race to catch unsynchronized value writes.
func TestQueryRowsDuringConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Busy", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Score", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	name := table.Fields[0].ID
	score := table.Fields[1].ID

	values := make([]map[int64]types.Value, 10)
	for i := range values {
		values[i] = map[int64]types.Value{
			name:  types.String(fmt.Sprintf("row-%d", i)),
			score: types.Number(float64(i)),
		}
	}
	ids, err := s.CreateRows(ctx, table.ID, values, WriteOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	var writeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			err := s.UpdateRows(ctx, table.ID, []RowUpdate{{
				RowID:  ids[i%len(ids)],
				Values: map[int64]types.Value{score: types.Number(float64(i))},
			}}, WriteOptions{})
			if err != nil && writeErr == nil {
				writeErr = err
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		rows, err := s.QueryRows(table.ID, Query{
			Search: "row",
			Sorts:  []SortOrder{{FieldID: score, Descending: true}},
		})
		require.NoError(t, err)
		require.Len(t, rows, len(ids))
	}
	close(done)
	wg.Wait()
	require.NoError(t, writeErr)
}

func TestCreateTableFromGrid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTableFromGrid(ctx, "Imported", [][]string{
		{"Name", "Score", "Member"},
		{"Ada", "12", "true"},
		{"Grace", "", "false"},
	}, true, nil)
	require.NoError(t, err)
	require.Len(t, table.Fields, 3)
	assert.Equal(t, types.KindNumber, table.Fields[1].Kind)
	assert.Equal(t, types.KindBoolean, table.Fields[2].Kind)

	rows, err := s.QueryRows(table.ID, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 12.0, rows[0].Value(table.Fields[1].ID).Num)
	assert.True(t, rows[1].Value(table.Fields[1].ID).IsNull(), "empty cell reads as null")
}

func TestReopenPersistsEverything(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = filepath.Join(cfg.DataDir, "grid.db")
	ctx := context.Background()

	s, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	table, err := s.CreateTable(ctx, "Keep", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Score", Kind: types.KindNumber},
	})
	require.NoError(t, err)
	name := table.Fields[0].ID
	_, err = s.CreateField(ctx, table.ID, FieldSpec{
		Name: "Shout", Kind: types.KindFormula,
		Config: schema.FieldConfig{FormulaText: `upper(field("Name"))`},
	})
	require.NoError(t, err)
	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{name: types.String("ada")},
	}, WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer s2.Close()

	reloaded, err := s2.Table(table.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Fields, 3)
	shout, ok := reloaded.FieldByName("Shout")
	require.True(t, ok)
	row, err := s2.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "ADA", row.Value(shout.ID).Str)
}

func TestDeleteRowPermanentScrubsLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	customers, orders := customersAndOrders(t, s)

	name := customers.Fields[0].ID
	custIDs, err := s.CreateRows(ctx, customers.ID, []map[int64]types.Value{
		{name: types.String("Ada")},
	}, WriteOptions{})
	require.NoError(t, err)

	link := orders.Fields[2].ID
	orderIDs, err := s.CreateRows(ctx, orders.ID, []map[int64]types.Value{
		{link: types.LinkedRows([]types.RowRef{{RowID: custIDs[0]}})},
	}, WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRows(ctx, customers.ID, custIDs, true, WriteOptions{}))

	orderRow, err := s.Row(orders.ID, orderIDs[0])
	require.NoError(t, err)
	assert.Empty(t, orderRow.Value(link).Rows, "reference to the deleted row is scrubbed")
}

func TestWriteGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Guarded", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Synced", Kind: types.KindText, ReadOnly: true, Immutable: true},
	})
	require.NoError(t, err)
	synced := table.Fields[1].ID

	_, err = s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{synced: types.String("nope")},
	}, WriteOptions{})
	require.Error(t, err, "read-only field rejects user writes")

	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{synced: types.String("from sync")},
	}, WriteOptions{SyncOriginated: true})
	require.NoError(t, err, "the sync engine itself may write")

	row, err := s.Row(table.ID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "from sync", row.Value(synced).Str)

	_, err = s.UpdateField(ctx, table.ID, synced, FieldSpec{
		Name: "Synced", Kind: types.KindNumber,
	})
	require.Error(t, err, "sync-managed fields cannot be retyped")
}

func TestDeletePrimaryFieldRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "T", []FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Other", Kind: types.KindText},
	})
	require.NoError(t, err)

	err = s.DeleteField(ctx, table.ID, table.Fields[0].ID, false)
	require.Error(t, err)
	assert.Equal(t, errors.CodePrimaryFieldNeeded, errors.GetCode(err))
}

func TestIndexNotifications(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = filepath.Join(cfg.DataDir, "grid.db")
	idx := index.NewMemoryIndex()
	s, err := Open(ctx, cfg, idx)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	table, err := s.CreateTable(ctx, "Notes", []FieldSpec{
		{Name: "Title", Kind: types.KindText},
	})
	require.NoError(t, err)
	title := table.Fields[0].ID

	ids, err := s.CreateRows(ctx, table.ID, []map[int64]types.Value{
		{title: types.String("grocery run")},
	}, WriteOptions{})
	require.NoError(t, err)
	created := idx.Notifications(table.ID)
	assert.Positive(t, created, "row creation marks the table dirty")

	err = s.UpdateRows(ctx, table.ID, []RowUpdate{
		{RowID: ids[0], Values: map[int64]types.Value{title: types.String("grocery list")}},
	}, WriteOptions{})
	require.NoError(t, err)
	assert.Greater(t, idx.Notifications(table.ID), created, "updates notify again")

	rows, err := s.QueryRows(table.ID, Query{})
	require.NoError(t, err)
	terms := make([]string, 0, len(rows))
	for _, r := range rows {
		terms = append(terms, r.Value(title).Text())
	}
	idx.Reindex(table.ID, terms)
	assert.True(t, idx.Match(table.ID, "grocery"))
	assert.False(t, idx.Match(table.ID, "inventory"))
}
