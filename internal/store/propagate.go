package store

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/gridrow/gridrow/internal/formula"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// parseFormula returns the parsed tree of a formula field, cached by field
// id until the field's configuration changes.
func (s *Store) parseFormula(f *schema.Field) (formula.Expr, error) {
	s.formulaMu.Lock()
	expr, ok := s.formulaExprs[f.ID]
	s.formulaMu.Unlock()
	if ok {
		return expr, nil
	}
	expr, err := formula.Parse(f.Config.FormulaText)
	if err != nil {
		return nil, err
	}
	if f.ID != 0 {
		s.formulaMu.Lock()
		s.formulaExprs[f.ID] = expr
		s.formulaMu.Unlock()
	}
	return expr, nil
}

func (s *Store) invalidateFormulaCache(fieldID int64) {
	s.formulaMu.Lock()
	delete(s.formulaExprs, fieldID)
	s.formulaMu.Unlock()
}

// fieldValue reads one field of a row. A field in the broken-reference
// state always reads as invalid regardless of what payload survives
// underneath it.
func (s *Store) fieldValue(f *schema.Field, row *Row) types.Value {
	if f.Config.ErrorText != "" {
		return types.Invalid(f.Config.ErrorText)
	}
	return row.Value(f.ID)
}

// FieldValue reads one field of a row through the field's state. Callers
// that read row payloads directly bypass the broken-reference masking.
func (s *Store) FieldValue(f *schema.Field, row *Row) types.Value {
	return s.fieldValue(f, row)
}

// propagateFrom pushes value changes through the dependency graph. seeds
// maps changed fields to the rows that changed; every derived field
// downstream recomputes exactly once per seed in topological order, and
// only rows whose recomputed value actually differs feed further steps.
func (s *Store) propagateFrom(ctx context.Context, seeds map[int64][]int64) error {
	if len(seeds) == 0 {
		return nil
	}
	changed := make(map[int64]map[int64]struct{})
	addChanged := func(fieldID int64, rows []int64) {
		set, ok := changed[fieldID]
		if !ok {
			set = make(map[int64]struct{})
			changed[fieldID] = set
		}
		for _, id := range rows {
			set[id] = struct{}{}
		}
	}
	seedIDs := make([]int64, 0, len(seeds))
	for id, rows := range seeds {
		addChanged(id, rows)
		seedIDs = append(seedIDs, id)
	}
	sort.Slice(seedIDs, func(i, j int) bool { return seedIDs[i] < seedIDs[j] })

	for _, seed := range seedIDs {
		plan, cyclic := s.graph.Propagate(seed)
		for _, step := range plan {
			s.mu.RLock()
			field, table := s.findFieldLocked(step.FieldID)
			s.mu.RUnlock()
			if field == nil || table.Trashed {
				continue
			}

			targets := make(map[int64]struct{})
			for _, edge := range step.Incoming {
				depChanged := changed[edge.Dependency]
				if len(depChanged) == 0 {
					continue
				}
				if edge.Via == 0 {
					for id := range depChanged {
						targets[id] = struct{}{}
					}
					continue
				}
				// Cross-table edge: rows of the dependant's table whose
				// link field references a changed related row.
				s.mu.RLock()
				rs := s.rows[table.ID]
				for _, r := range rs.order {
					if r.Trashed {
						continue
					}
					refs := r.Value(edge.Via)
					if refs.Kind != types.ValueRows {
						continue
					}
					for _, ref := range refs.Rows {
						if _, hit := depChanged[ref.RowID]; hit {
							targets[r.ID] = struct{}{}
							break
						}
					}
				}
				s.mu.RUnlock()
			}
			if len(targets) == 0 {
				continue
			}
			rowIDs := make([]int64, 0, len(targets))
			for id := range targets {
				rowIDs = append(rowIDs, id)
			}
			sort.Slice(rowIDs, func(i, j int) bool { return rowIDs[i] < rowIDs[j] })

			changedRows, err := s.computeFieldForRowsChanged(ctx, table, field, rowIDs)
			if err != nil {
				return err
			}
			s.counters.PropagationSteps.Add(1)
			if len(changedRows) > 0 {
				addChanged(step.FieldID, changedRows)
				s.notifier.FieldValueUpdatedOrCreated(table.ID)
			}
		}
		s.markCyclic(ctx, cyclic)
	}
	return nil
}

// markCyclic flips fields caught in a dependency cycle into the invalid
// state. They read as null until the cycle is broken by a schema change.
func (s *Store) markCyclic(ctx context.Context, fieldIDs []int64) {
	for _, id := range fieldIDs {
		s.mu.RLock()
		field, table := s.findFieldLocked(id)
		s.mu.RUnlock()
		if field == nil || field.Config.ErrorText != "" {
			continue
		}
		s.mu.Lock()
		field.Config.ErrorText = fmt.Sprintf("field %s is part of a circular dependency", field.Name)
		s.mu.Unlock()
		if err := s.persistField(ctx, field); err != nil {
			log.Printf("store: persisting cyclic state of field %d: %v", id, err)
		}
		s.notifier.FieldValueUpdatedOrCreated(table.ID)
		log.Printf("store: field %d (%q) is part of a dependency cycle", id, field.Name)
	}
}

// recomputeFieldAllRows recomputes a derived field for every live row.
func (s *Store) recomputeFieldAllRows(ctx context.Context, table *schema.Table, f *schema.Field) ([]int64, error) {
	s.mu.RLock()
	rs := s.rows[table.ID]
	rowIDs := make([]int64, 0, len(rs.order))
	for _, r := range rs.order {
		if !r.Trashed {
			rowIDs = append(rowIDs, r.ID)
		}
	}
	s.mu.RUnlock()
	return s.computeFieldForRowsChanged(ctx, table, f, rowIDs)
}

// computeFieldForRows computes a derived field for the given rows,
// discarding the changed-row list.
func (s *Store) computeFieldForRows(ctx context.Context, table *schema.Table, f *schema.Field, rowIDs []int64) error {
	_, err := s.computeFieldForRowsChanged(ctx, table, f, rowIDs)
	return err
}

// computeFieldForRowsChanged evaluates a derived field for the given rows
// and persists the ones whose value differs, returning their ids.
func (s *Store) computeFieldForRowsChanged(ctx context.Context, table *schema.Table, f *schema.Field, rowIDs []int64) ([]int64, error) {
	if !f.Kind.Derived() {
		return nil, nil
	}
	s.mu.RLock()
	rs := s.rows[table.ID]
	s.mu.RUnlock()

	kind, _ := outputTypeOf(f)
	var dirty []*Row
	var changedIDs []int64
	for _, id := range rowIDs {
		s.mu.RLock()
		row, ok := rs.byID[id]
		s.mu.RUnlock()
		if !ok || row.Trashed {
			continue
		}
		newVal := s.evalDerived(table, f, row)
		oldVal := row.Value(f.ID)
		if valuesEqual(kind, oldVal, newVal) {
			continue
		}
		s.mu.Lock()
		row.Values[f.ID] = newVal
		s.mu.Unlock()
		dirty = append(dirty, row)
		changedIDs = append(changedIDs, id)
	}
	if err := s.persistRows(ctx, table.ID, dirty); err != nil {
		return nil, err
	}
	return changedIDs, nil
}

// valuesEqual compares a stored derived value with a recomputed one,
// falling back to the generic collation for array results.
func valuesEqual(kind types.FieldKind, a, b types.Value) bool {
	if a.Kind == types.ValueArray || b.Kind == types.ValueArray {
		return types.Compare(a, b) == 0 && a.IsNull() == b.IsNull()
	}
	return types.Equal(kind, a, b)
}

// evalDerived computes the current value of a derived field for one row.
// Broken fields evaluate to invalid, which reads as null.
func (s *Store) evalDerived(table *schema.Table, f *schema.Field, row *Row) types.Value {
	if f.Config.ErrorText != "" {
		return types.Invalid(f.Config.ErrorText)
	}
	switch f.Kind {
	case types.KindCount:
		refs := s.liveRefs(table, f.Config.ThroughFieldID, row)
		return types.Number(float64(len(refs)))
	case types.KindLookup:
		link, ok := table.FieldByID(f.Config.ThroughFieldID)
		if !ok {
			return types.Invalid(fmt.Sprintf("references the deleted or unknown field %d", f.Config.ThroughFieldID))
		}
		return s.lookupArray(table, link, f.Config.TargetFieldID, row)
	case types.KindFormula:
		expr, err := s.parseFormula(f)
		if err != nil {
			return types.Invalid(err.Error())
		}
		return formula.Eval(expr, &rowContext{s: s, table: table, row: row})
	}
	return types.Null()
}

// liveRefs resolves a row's link references to live related rows, in the
// related rows' current order.
func (s *Store) liveRefs(table *schema.Table, throughFieldID int64, row *Row) []*Row {
	link, ok := table.FieldByID(throughFieldID)
	if !ok || link.Kind != types.KindLinkRow {
		return nil
	}
	refs := row.Value(link.ID)
	if refs.Kind != types.ValueRows {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	related, ok := s.tables[link.Config.LinkTableID]
	if !ok || related.Trashed {
		return nil
	}
	relatedRows := s.rows[related.ID]
	wanted := make(map[int64]struct{}, len(refs.Rows))
	for _, ref := range refs.Rows {
		wanted[ref.RowID] = struct{}{}
	}
	// Walk the ordered slice so the result carries the related rows'
	// relative order, which is part of the lookup value.
	out := make([]*Row, 0, len(wanted))
	for _, r := range relatedRows.order {
		if r.Trashed {
			continue
		}
		if _, hit := wanted[r.ID]; hit {
			out = append(out, r)
		}
	}
	return out
}

// lookupArray builds the array value of a lookup: one entry per live
// related row, ordered by the related rows' order.
func (s *Store) lookupArray(table *schema.Table, link *schema.Field, targetFieldID int64, row *Row) types.Value {
	s.mu.RLock()
	related, ok := s.tables[link.Config.LinkTableID]
	s.mu.RUnlock()
	if !ok || related.Trashed {
		return types.Invalid(fmt.Sprintf("references the deleted table %d", link.Config.LinkTableID))
	}
	target, ok := related.FieldByID(targetFieldID)
	if !ok {
		return types.Invalid(fmt.Sprintf("references the deleted or unknown field %d", targetFieldID))
	}
	rows := s.liveRefs(table, link.ID, row)
	entries := make([]types.ArrayEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, types.ArrayEntry{
			RowID: r.ID,
			Value: s.fieldValue(target, r).Display(),
		})
	}
	return types.Array(entries)
}

// rowContext adapts one row of the store to formula evaluation.
type rowContext struct {
	s     *Store
	table *schema.Table
	row   *Row
}

func (c *rowContext) Field(name string) (types.Value, error) {
	f, ok := c.table.FieldByName(name)
	if !ok {
		return types.Value{}, fmt.Errorf("unknown field %s", name)
	}
	return c.s.fieldValue(f, c.row), nil
}

func (c *rowContext) Lookup(link, target string) (types.Value, error) {
	linkField, ok := c.table.FieldByName(link)
	if !ok || linkField.Kind != types.KindLinkRow {
		return types.Value{}, fmt.Errorf("unknown link field %s", link)
	}
	c.s.mu.RLock()
	related, ok := c.s.tables[linkField.Config.LinkTableID]
	c.s.mu.RUnlock()
	if !ok || related.Trashed {
		return types.Value{}, fmt.Errorf("unknown table %d", linkField.Config.LinkTableID)
	}
	targetField, ok := related.FieldByName(target)
	if !ok {
		return types.Value{}, fmt.Errorf("unknown field %s", target)
	}
	return c.s.lookupArray(c.table, linkField, targetField.ID, c.row), nil
}

// storeResolver adapts a table's schema to formula type derivation.
type storeResolver struct {
	s     *Store
	table *schema.Table
}

func (r *storeResolver) FieldType(name string) (formula.Type, bool) {
	f, ok := r.table.FieldByName(name)
	if !ok {
		return formula.Type{}, false
	}
	return fieldFormulaType(f), true
}

func (r *storeResolver) LookupType(link, target string) (formula.Type, bool) {
	linkField, ok := r.table.FieldByName(link)
	if !ok || linkField.Kind != types.KindLinkRow {
		return formula.Type{}, false
	}
	r.s.mu.RLock()
	related, relOK := r.s.tables[linkField.Config.LinkTableID]
	r.s.mu.RUnlock()
	if !relOK || related.Trashed {
		return formula.Type{}, false
	}
	targetField, ok := related.FieldByName(target)
	if !ok {
		return formula.Type{}, false
	}
	return fieldFormulaType(targetField), true
}

func fieldFormulaType(f *schema.Field) formula.Type {
	if f.Kind.Derived() {
		return formula.Type{Kind: f.Config.OutputKind, Array: f.Config.OutputArray, Err: f.Config.ErrorText}
	}
	return formula.Type{Kind: f.Kind}
}
