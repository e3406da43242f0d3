// Package benchmark measures store hot paths: bulk row creation,
// propagation fan-out through derived fields, and filtered queries.
package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/internal/store"
	"github.com/gridrow/gridrow/pkg/types"
)

func benchStore(b *testing.B) *store.Store {
	b.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = b.TempDir()
	cfg.Store.Path = filepath.Join(cfg.DataDir, "grid.db")
	s, err := store.Open(context.Background(), cfg, nil)
	if err != nil {
		b.Fatalf("failed to open store: %v", err)
	}
	b.Cleanup(func() { s.Close() })
	return s
}

func BenchmarkCreateRows(b *testing.B) {
	s := benchStore(b)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Events", []store.FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Score", Kind: types.KindNumber},
	})
	if err != nil {
		b.Fatalf("failed to create table: %v", err)
	}
	name := table.Fields[0].ID
	score := table.Fields[1].ID

	batch := make([]map[int64]types.Value, 100)
	for i := range batch {
		batch[i] = map[int64]types.Value{
			name:  types.String(fmt.Sprintf("event-%d", i)),
			score: types.Number(float64(i)),
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.CreateRows(ctx, table.ID, batch, store.WriteOptions{}); err != nil {
			b.Fatalf("failed to create rows: %v", err)
		}
	}
}

func BenchmarkPropagateFormulaChain(b *testing.B) {
	s := benchStore(b)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Sheet", []store.FieldSpec{
		{Name: "Base", Kind: types.KindNumber},
	})
	if err != nil {
		b.Fatalf("failed to create table: %v", err)
	}
	base := table.Fields[0].ID

	// Five chained formulas, each on the previous one.
	prev := "Base"
	for i := 1; i <= 5; i++ {
		name := fmt.Sprintf("Step%d", i)
		_, err := s.CreateField(ctx, table.ID, store.FieldSpec{
			Name: name, Kind: types.KindFormula,
			Config: schema.FieldConfig{FormulaText: fmt.Sprintf(`field(%q) + 1`, prev)},
		})
		if err != nil {
			b.Fatalf("failed to create formula: %v", err)
		}
		prev = name
	}

	rows := make([]map[int64]types.Value, 200)
	for i := range rows {
		rows[i] = map[int64]types.Value{base: types.Number(float64(i))}
	}
	ids, err := s.CreateRows(ctx, table.ID, rows, store.WriteOptions{})
	if err != nil {
		b.Fatalf("failed to create rows: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := s.UpdateRows(ctx, table.ID, []store.RowUpdate{
			{RowID: ids[i%len(ids)], Values: map[int64]types.Value{base: types.Number(float64(i))}},
		}, store.WriteOptions{})
		if err != nil {
			b.Fatalf("failed to update row: %v", err)
		}
	}
}

func BenchmarkQueryFilterAndSort(b *testing.B) {
	s := benchStore(b)
	ctx := context.Background()

	table, err := s.CreateTable(ctx, "Events", []store.FieldSpec{
		{Name: "Name", Kind: types.KindText},
		{Name: "Score", Kind: types.KindNumber},
	})
	if err != nil {
		b.Fatalf("failed to create table: %v", err)
	}
	name := table.Fields[0].ID
	score := table.Fields[1].ID

	rows := make([]map[int64]types.Value, 1000)
	for i := range rows {
		rows[i] = map[int64]types.Value{
			name:  types.String(fmt.Sprintf("event-%d", i)),
			score: types.Number(float64(i % 100)),
		}
	}
	if _, err := s.CreateRows(ctx, table.ID, rows, store.WriteOptions{}); err != nil {
		b.Fatalf("failed to create rows: %v", err)
	}

	q := store.Query{
		Filter: &store.FilterGroup{
			Conjunction: "AND",
			Conditions: []store.Condition{
				{FieldID: score, Op: types.OpHigherThan, Value: types.Number(50)},
			},
		},
		Sorts: []store.SortOrder{{FieldID: score, Descending: true}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.QueryRows(table.ID, q); err != nil {
			b.Fatalf("query failed: %v", err)
		}
	}
}
