package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/internal/observability"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// RowUpdate is one row's partial new values, keyed by field id.
type RowUpdate struct {
	RowID  int64
	Values map[int64]types.Value
}

// Row returns one live row of a table.
func (s *Store) Row(tableID, rowID int64) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.tableLocked(tableID); err != nil {
		return nil, err
	}
	r, ok := s.rows[tableID].byID[rowID]
	if !ok || r.Trashed {
		return nil, errors.NewReferenceError(errors.CodeRowNotFound,
			fmt.Sprintf("row %d does not exist in table %d", rowID, tableID))
	}
	return r.clone(), nil
}

// CreateRows appends rows to a table. Values are keyed by field id; derived
// fields are computed, not written.
func (s *Store) CreateRows(ctx context.Context, tableID int64, values []map[int64]types.Value, opts WriteOptions) ([]int64, error) {
	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()
	return s.createRowsLocked(ctx, tableID, values, opts, observability.NoopProgress{})
}

func (s *Store) createRowsLocked(ctx context.Context, tableID int64, values []map[int64]types.Value, opts WriteOptions, progress observability.Progress) ([]int64, error) {
	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	rs := s.rows[tableID]
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	newRows := make([]*Row, 0, len(values))
	next := rs.lastOrder()
	for _, vals := range values {
		next = next.Next()
		row := &Row{Order: next, Values: make(map[int64]types.Value, len(vals))}
		for fieldID, v := range vals {
			field, ok := table.FieldByID(fieldID)
			if !ok {
				return nil, errors.NewReferenceError(errors.CodeFieldNotFound,
					fmt.Sprintf("field %d does not exist in table %d", fieldID, tableID))
			}
			if err := s.checkWritable(field, opts); err != nil {
				return nil, err
			}
			row.Values[fieldID] = coerceValue(field.Kind, v)
		}
		newRows = append(newRows, row)
	}

	// Assign ids and persist in bounded transactions.
	ids := make([]int64, 0, len(newRows))
	for start := 0; start < len(newRows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(newRows) {
			end = len(newRows)
		}
		batch := newRows[start:end]
		err := s.cat.withWriteTx(ctx, func(tx *sql.Tx) error {
			for _, r := range batch {
				id, err := s.cat.insertRow(ctx, tx, tableID, r)
				if err != nil {
					return err
				}
				r.ID = id
			}
			return nil
		})
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeWriteFailed, "creating rows", err)
		}
		progress.Increment(len(batch), "apply")
	}

	s.mu.Lock()
	for _, r := range newRows {
		rs.insert(r)
		ids = append(ids, r.ID)
	}
	s.mu.Unlock()

	// Symmetric link maintenance: the related table's reversed field gains
	// a reference back to each new row.
	seeds := make(map[int64][]int64)
	for _, r := range newRows {
		for i := range table.Fields {
			f := &table.Fields[i]
			if f.Kind != types.KindLinkRow {
				continue
			}
			if refs := r.Values[f.ID]; refs.Kind == types.ValueRows {
				normalized, err := s.normalizeRefs(ctx, f, refs.Rows)
				if err != nil {
					return nil, err
				}
				// The row is published; readers hold the lock.
				s.mu.Lock()
				r.Values[f.ID] = types.LinkedRows(normalized)
				s.mu.Unlock()
				if err := s.applyBacklinks(ctx, f, r.ID, nil, normalized, seeds); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := s.persistRows(ctx, tableID, newRows); err != nil {
		return nil, err
	}

	// Derived fields with no live dependencies (constant formulas, counts
	// over empty links) still need their initial value.
	for i := range table.Fields {
		f := &table.Fields[i]
		if f.Kind.Derived() && len(s.graph.DependenciesOf(f.ID)) == 0 && f.Config.ErrorText == "" {
			if err := s.computeFieldForRows(ctx, table, f, ids); err != nil {
				return nil, err
			}
		}
	}

	for i := range table.Fields {
		if !table.Fields[i].Kind.Derived() {
			seeds[table.Fields[i].ID] = append(seeds[table.Fields[i].ID], ids...)
		}
	}
	if err := s.propagateFrom(ctx, seeds); err != nil {
		return nil, err
	}

	s.counters.RowsCreated.Add(int64(len(ids)))
	s.notifier.FieldValueUpdatedOrCreated(tableID)
	s.notifyMutation(tableID, "create", ids, opts.SyncOriginated)
	return ids, nil
}

// UpdateRows applies partial value updates to existing rows and propagates
// the changes into dependant derived fields.
func (s *Store) UpdateRows(ctx context.Context, tableID int64, updates []RowUpdate, opts WriteOptions) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()
	return s.updateRowsLocked(ctx, tableID, updates, opts)
}

func (s *Store) updateRowsLocked(ctx context.Context, tableID int64, updates []RowUpdate, opts WriteOptions) error {
	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	rs := s.rows[tableID]
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	seeds := make(map[int64][]int64)
	dirty := make(map[int64]*Row)
	for _, u := range updates {
		row, ok := rs.byID[u.RowID]
		if !ok || row.Trashed {
			return errors.NewReferenceError(errors.CodeRowNotFound,
				fmt.Sprintf("row %d does not exist in table %d", u.RowID, tableID))
		}
		for fieldID, v := range u.Values {
			field, ok := table.FieldByID(fieldID)
			if !ok {
				return errors.NewReferenceError(errors.CodeFieldNotFound,
					fmt.Sprintf("field %d does not exist in table %d", fieldID, tableID))
			}
			if err := s.checkWritable(field, opts); err != nil {
				return err
			}
			newVal := coerceValue(field.Kind, v)
			oldVal := row.Value(fieldID)
			if field.Kind == types.KindLinkRow {
				var normalized []types.RowRef
				if newVal.Kind == types.ValueRows {
					normalized, err = s.normalizeRefs(ctx, field, newVal.Rows)
					if err != nil {
						return err
					}
				}
				newVal = types.LinkedRows(normalized)
				if types.Equal(field.Kind, oldVal, newVal) {
					continue
				}
				var oldRefs []types.RowRef
				if oldVal.Kind == types.ValueRows {
					oldRefs = oldVal.Rows
				}
				if err := s.applyBacklinks(ctx, field, row.ID, oldRefs, normalized, seeds); err != nil {
					return err
				}
			} else if types.Equal(field.Kind, oldVal, newVal) {
				continue
			}
			s.mu.Lock()
			row.Values[fieldID] = newVal
			s.mu.Unlock()
			seeds[fieldID] = append(seeds[fieldID], row.ID)
			dirty[row.ID] = row
		}
	}

	if err := s.persistRows(ctx, tableID, rowsOf(dirty)); err != nil {
		return err
	}
	if err := s.propagateFrom(ctx, seeds); err != nil {
		return err
	}

	changed := make([]int64, 0, len(dirty))
	for id := range dirty {
		changed = append(changed, id)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	s.counters.RowsUpdated.Add(int64(len(changed)))
	if len(changed) > 0 {
		s.notifier.FieldValueUpdatedOrCreated(tableID)
		s.notifyMutation(tableID, "update", changed, opts.SyncOriginated)
	}
	return nil
}

// DeleteRows trashes rows (or deletes them permanently). Trashed rows drop
// out of queries, lookups, and counts, and come back on restore; permanent
// deletion also scrubs references from linking rows.
func (s *Store) DeleteRows(ctx context.Context, tableID int64, rowIDs []int64, permanent bool, opts WriteOptions) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()
	return s.deleteRowsLocked(ctx, tableID, rowIDs, permanent, opts)
}

func (s *Store) deleteRowsLocked(ctx context.Context, tableID int64, rowIDs []int64, permanent bool, opts WriteOptions) error {
	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	rs := s.rows[tableID]
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	seeds := make(map[int64][]int64)
	var affected []*Row
	for _, id := range rowIDs {
		row, ok := rs.byID[id]
		if !ok || (row.Trashed && !permanent) {
			return errors.NewReferenceError(errors.CodeRowNotFound,
				fmt.Sprintf("row %d does not exist in table %d", id, tableID))
		}
		affected = append(affected, row)
	}

	for _, row := range affected {
		s.backlinkSeeds(table, row, seeds)
		if permanent {
			// Scrub references from rows that point here, found through
			// this row's own reversed-link values.
			for i := range table.Fields {
				f := &table.Fields[i]
				if f.Kind != types.KindLinkRow || f.Config.ReversedFieldID == 0 {
					continue
				}
				if err := s.dropBacklinks(ctx, f, row, seeds); err != nil {
					return err
				}
			}
		}
	}

	if permanent {
		err := s.cat.withWriteTx(ctx, func(tx *sql.Tx) error {
			for _, row := range affected {
				if err := s.cat.deleteRow(ctx, tx, tableID, row.ID); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.NewStorageError(errors.CodeWriteFailed, "deleting rows", err)
		}
		s.mu.Lock()
		for _, row := range affected {
			rs.remove(row.ID)
		}
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		for _, row := range affected {
			row.Trashed = true
		}
		s.mu.Unlock()
		if err := s.persistRows(ctx, tableID, affected); err != nil {
			return err
		}
	}

	// Lookups and counts over the removed rows recompute.
	for i := range table.Fields {
		if !table.Fields[i].Kind.Derived() {
			seeds[table.Fields[i].ID] = append(seeds[table.Fields[i].ID], rowIDs...)
		}
	}
	if err := s.propagateFrom(ctx, seeds); err != nil {
		return err
	}

	s.counters.RowsDeleted.Add(int64(len(rowIDs)))
	s.notifier.FieldValueUpdatedOrCreated(tableID)
	s.notifyMutation(tableID, "delete", rowIDs, opts.SyncOriginated)
	return nil
}

// RestoreRows brings trashed rows back, reviving references that pointed at
// them.
func (s *Store) RestoreRows(ctx context.Context, tableID int64, rowIDs []int64, opts WriteOptions) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	rs := s.rows[tableID]
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	seeds := make(map[int64][]int64)
	var affected []*Row
	for _, id := range rowIDs {
		row, ok := rs.byID[id]
		if !ok || !row.Trashed {
			return errors.NewReferenceError(errors.CodeRowNotFound,
				fmt.Sprintf("row %d is not in the trash of table %d", id, tableID))
		}
		s.mu.Lock()
		row.Trashed = false
		s.mu.Unlock()
		affected = append(affected, row)
		s.backlinkSeeds(table, row, seeds)
	}
	if err := s.persistRows(ctx, tableID, affected); err != nil {
		return err
	}

	for i := range table.Fields {
		if !table.Fields[i].Kind.Derived() {
			seeds[table.Fields[i].ID] = append(seeds[table.Fields[i].ID], rowIDs...)
		}
	}
	if err := s.propagateFrom(ctx, seeds); err != nil {
		return err
	}
	s.notifier.FieldValueUpdatedOrCreated(tableID)
	s.notifyMutation(tableID, "restore", rowIDs, opts.SyncOriginated)
	return nil
}

// MoveRow places a row before another row, or at the end when beforeRowID
// is zero. When no order key fits between the neighbors the whole table is
// renumbered once and the move retried.
func (s *Store) MoveRow(ctx context.Context, tableID, rowID, beforeRowID int64) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	rs := s.rows[tableID]
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	row, ok := rs.byID[rowID]
	if !ok || row.Trashed {
		return errors.NewReferenceError(errors.CodeRowNotFound,
			fmt.Sprintf("row %d does not exist in table %d", rowID, tableID))
	}

	key, err := s.orderKeyBefore(rs, rowID, beforeRowID)
	if err == types.ErrOrderExhausted {
		if err := s.renumberLocked(ctx, tableID, rs); err != nil {
			return err
		}
		key, err = s.orderKeyBefore(rs, rowID, beforeRowID)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	row.Order = key
	rs.resort()
	s.mu.Unlock()
	if err := s.persistRows(ctx, tableID, []*Row{row}); err != nil {
		return err
	}

	// Reorders are visible through lookups: related rows' relative order is
	// part of the lookup value.
	seeds := make(map[int64][]int64)
	s.backlinkSeeds(table, row, seeds)
	for i := range table.Fields {
		if !table.Fields[i].Kind.Derived() {
			seeds[table.Fields[i].ID] = append(seeds[table.Fields[i].ID], rowID)
		}
	}
	if err := s.propagateFrom(ctx, seeds); err != nil {
		return err
	}
	s.notifier.FieldValueUpdatedOrCreated(tableID)
	return nil
}

// orderKeyBefore computes the order key that places rowID before
// beforeRowID (after its live predecessor), or at the end when zero.
func (s *Store) orderKeyBefore(rs *rowSet, rowID, beforeRowID int64) (types.OrderKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if beforeRowID == 0 {
		return rs.lastOrder().Next(), nil
	}
	target, ok := rs.byID[beforeRowID]
	if !ok || target.Trashed {
		return types.OrderKey{}, errors.NewReferenceError(errors.CodeRowNotFound,
			fmt.Sprintf("row %d does not exist", beforeRowID))
	}
	// Predecessor of the target in order, skipping the moving row itself.
	prev := types.OrderKey{}
	for _, r := range rs.order {
		if r.ID == target.ID {
			break
		}
		if r.ID == rowID || r.Trashed {
			continue
		}
		prev = r.Order
	}
	return types.Midpoint(prev, target.Order)
}

// renumberLocked rewrites every order key of a table to consecutive whole
// steps. Row identity and relative order are preserved; only keys change.
func (s *Store) renumberLocked(ctx context.Context, tableID int64, rs *rowSet) error {
	s.mu.Lock()
	for i, r := range rs.order {
		r.Order = types.OrderKeyFromStep(int64(i + 1))
	}
	s.mu.Unlock()
	if err := s.persistRows(ctx, tableID, rs.order); err != nil {
		return err
	}
	s.counters.RenumberedTables.Add(1)
	log.Printf("store: renumbered table %d (%d rows)", tableID, len(rs.order))
	return nil
}

// checkWritable rejects writes to computed fields always and to
// sync-managed fields unless the write comes from the sync engine itself.
func (s *Store) checkWritable(f *schema.Field, opts WriteOptions) error {
	if f.Kind.Derived() {
		return errors.NewValidationError(errors.CodeInvalidFieldConfig,
			fmt.Sprintf("field %q is computed and cannot be written", f.Name))
	}
	if f.ReadOnly && !opts.SyncOriginated {
		return errors.NewValidationError(errors.CodeInvalidFieldConfig,
			fmt.Sprintf("field %q is managed by a data sync and is read-only", f.Name))
	}
	return nil
}

// normalizeRefs dedups link references, drops ones pointing at unknown
// rows, and refreshes the denormalized primary text.
func (s *Store) normalizeRefs(ctx context.Context, link *schema.Field, refs []types.RowRef) ([]types.RowRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	related, ok := s.tables[link.Config.LinkTableID]
	if !ok {
		return nil, errors.NewReferenceError(errors.CodeTableNotFound,
			fmt.Sprintf("table %d does not exist", link.Config.LinkTableID))
	}
	primary, err := related.PrimaryField()
	if err != nil {
		return nil, err
	}
	relatedRows := s.rows[related.ID]

	seen := make(map[int64]struct{}, len(refs))
	out := make([]types.RowRef, 0, len(refs))
	for _, ref := range refs {
		if _, dup := seen[ref.RowID]; dup {
			continue
		}
		row, ok := relatedRows.byID[ref.RowID]
		if !ok {
			continue
		}
		seen[ref.RowID] = struct{}{}
		out = append(out, types.RowRef{RowID: ref.RowID, Primary: row.Value(primary.ID).Text()})
	}
	return out, nil
}

// applyBacklinks mirrors a link-field delta onto the reversed field in the
// related table and records the touched rows as propagation seeds.
func (s *Store) applyBacklinks(ctx context.Context, link *schema.Field, rowID int64, oldRefs, newRefs []types.RowRef, seeds map[int64][]int64) error {
	reversedID := link.Config.ReversedFieldID
	if reversedID == 0 {
		return nil
	}
	s.mu.RLock()
	table := s.tables[link.TableID]
	related, ok := s.tables[link.Config.LinkTableID]
	relatedRows := s.rows[link.Config.LinkTableID]
	s.mu.RUnlock()
	if !ok || related.Trashed {
		return nil
	}
	primary, err := table.PrimaryField()
	if err != nil {
		return err
	}
	s.mu.RLock()
	ownRow := s.rows[link.TableID].byID[rowID]
	s.mu.RUnlock()
	primaryText := ""
	if ownRow != nil {
		primaryText = ownRow.Value(primary.ID).Text()
	}

	was := make(map[int64]struct{}, len(oldRefs))
	for _, ref := range oldRefs {
		was[ref.RowID] = struct{}{}
	}
	is := make(map[int64]struct{}, len(newRefs))
	for _, ref := range newRefs {
		is[ref.RowID] = struct{}{}
	}

	var touched []*Row
	mutate := func(relatedRowID int64, add bool) {
		row, ok := relatedRows.byID[relatedRowID]
		if !ok {
			return
		}
		refs := row.Value(reversedID)
		var list []types.RowRef
		if refs.Kind == types.ValueRows {
			list = refs.Rows
		}
		if add {
			for _, r := range list {
				if r.RowID == rowID {
					return
				}
			}
			list = append(list, types.RowRef{RowID: rowID, Primary: primaryText})
		} else {
			kept := list[:0]
			for _, r := range list {
				if r.RowID != rowID {
					kept = append(kept, r)
				}
			}
			list = kept
		}
		row.Values[reversedID] = types.LinkedRows(list)
		touched = append(touched, row)
		seeds[reversedID] = append(seeds[reversedID], relatedRowID)
	}

	s.mu.Lock()
	for id := range was {
		if _, still := is[id]; !still {
			mutate(id, false)
		}
	}
	for id := range is {
		if _, had := was[id]; !had {
			mutate(id, true)
		}
	}
	s.mu.Unlock()
	return s.persistRows(ctx, related.ID, touched)
}

// dropBacklinks removes every reference to a permanently deleted row from
// the rows that link to it.
func (s *Store) dropBacklinks(ctx context.Context, link *schema.Field, row *Row, seeds map[int64][]int64) error {
	refs := row.Value(link.ID)
	if refs.Kind != types.ValueRows {
		return nil
	}
	return s.applyBacklinks(ctx, link, row.ID, refs.Rows, nil, seeds)
}

// backlinkSeeds marks the reversed fields of rows related to row as
// propagation seeds: counts and lookups on the other side see this row
// appear, vanish, or move.
func (s *Store) backlinkSeeds(table *schema.Table, row *Row, seeds map[int64][]int64) {
	for i := range table.Fields {
		f := &table.Fields[i]
		if f.Kind != types.KindLinkRow || f.Config.ReversedFieldID == 0 {
			continue
		}
		refs := row.Value(f.ID)
		if refs.Kind != types.ValueRows {
			continue
		}
		for _, ref := range refs.Rows {
			seeds[f.Config.ReversedFieldID] = append(seeds[f.Config.ReversedFieldID], ref.RowID)
		}
	}
}

// persistRows writes rows through to the catalog in bounded transactions.
func (s *Store) persistRows(ctx context.Context, tableID int64, rows []*Row) error {
	for start := 0; start < len(rows); start += s.batchSize {
		end := start + s.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		err := s.cat.withWriteTx(ctx, func(tx *sql.Tx) error {
			for _, r := range batch {
				if err := s.cat.updateRow(ctx, tx, tableID, r); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.NewStorageError(errors.CodeWriteFailed, "persisting rows", err)
		}
	}
	return nil
}

func rowsOf(m map[int64]*Row) []*Row {
	out := make([]*Row, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	return out
}
