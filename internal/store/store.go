package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/depgraph"
	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/internal/formula"
	"github.com/gridrow/gridrow/internal/index"
	"github.com/gridrow/gridrow/internal/observability"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// MutationListener is notified after a row mutation commits. The data-sync
// engine registers one to push user-originated edits back to two-way
// sources; SyncOriginated suppresses the echo of its own writes.
type MutationListener interface {
	RowsMutated(tableID int64, op string, rowIDs []int64, syncOriginated bool)
}

// WriteOptions qualifies a batch mutation.
type WriteOptions struct {
	// SyncOriginated marks writes applied by the data-sync engine itself.
	// They bypass the read-only guard on sync-managed fields and are not
	// echoed back to two-way sources.
	SyncOriginated bool
}

// rowSet is the in-memory image of one table's rows. The order slice is
// kept sorted by order key at all times.
type rowSet struct {
	byID  map[int64]*Row
	order []*Row
}

func newRowSet() *rowSet {
	return &rowSet{byID: make(map[int64]*Row)}
}

func (rs *rowSet) insert(r *Row) {
	rs.byID[r.ID] = r
	i := sort.Search(len(rs.order), func(i int) bool {
		return r.Order.Less(rs.order[i].Order)
	})
	rs.order = append(rs.order, nil)
	copy(rs.order[i+1:], rs.order[i:])
	rs.order[i] = r
}

func (rs *rowSet) remove(rowID int64) {
	delete(rs.byID, rowID)
	for i, r := range rs.order {
		if r.ID == rowID {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			return
		}
	}
}

func (rs *rowSet) resort() {
	sort.Slice(rs.order, func(i, j int) bool {
		return rs.order[i].Order.Less(rs.order[j].Order)
	})
}

// lastOrder returns the highest order key in use, zero when empty.
func (rs *rowSet) lastOrder() types.OrderKey {
	if len(rs.order) == 0 {
		return types.OrderKey{}
	}
	return rs.order[len(rs.order)-1].Order
}

// Store is the engine core: table schemas, the dependency graph, and all
// row data, persisted write-through to SQLite and served from memory.
type Store struct {
	cat       *catalog
	graph     *depgraph.Graph
	notifier  index.Notifier
	counters  *observability.Counters
	limits    schema.GridLimits
	batchSize int
	lockWait  time.Duration

	// mutateMu serializes mutations end-to-end, covering the read-then-write
	// window of updates and the cross-table fan-out of propagation.
	mutateMu sync.Mutex

	mu            sync.RWMutex
	tables        map[int64]*schema.Table
	trashedFields map[int64]schema.Field
	rows          map[int64]*rowSet

	formulaMu    sync.Mutex
	formulaExprs map[int64]formula.Expr

	listenerMu sync.RWMutex
	listeners  []MutationListener
}

// Open loads the catalog at cfg.Store.Path and rebuilds the in-memory state:
// table schemas, row sets, and the field-dependency graph.
func Open(ctx context.Context, cfg *config.Config, notifier index.Notifier) (*Store, error) {
	if notifier == nil {
		notifier = index.NoopNotifier{}
	}
	cat, err := openCatalog(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cat:       cat,
		graph:     depgraph.New(),
		notifier:  notifier,
		counters:  &observability.Counters{},
		limits:    schema.GridLimits{MaxRows: cfg.Limits.MaxInitialRows, MaxFields: cfg.Limits.MaxInitialFields},
		batchSize: cfg.Store.BatchSize,
		lockWait:  cfg.Store.BusyTimeout,
		rows:      make(map[int64]*rowSet),
	}
	s.formulaExprs = make(map[int64]formula.Expr)
	if s.batchSize <= 0 {
		s.batchSize = 500
	}
	if s.lockWait <= 0 {
		s.lockWait = 5 * time.Second
	}

	s.tables, s.trashedFields, err = cat.loadSchema(ctx)
	if err != nil {
		cat.Close()
		return nil, err
	}
	for id, table := range s.tables {
		rs := newRowSet()
		rows, err := cat.loadRows(ctx, id)
		if err != nil {
			cat.Close()
			return nil, err
		}
		for _, r := range rows {
			rs.insert(r)
		}
		s.rows[id] = rs
		for i := range table.Fields {
			s.registerDependencies(&table.Fields[i])
		}
	}
	log.Printf("store: opened %s with %d tables", cfg.Store.Path, len(s.tables))
	return s, nil
}

// Close releases the underlying database connections.
func (s *Store) Close() error {
	return s.cat.Close()
}

// Counters exposes the engine statistics.
func (s *Store) Counters() *observability.Counters {
	return s.counters
}

// Graph exposes the field-dependency graph, read-only by convention.
func (s *Store) Graph() *depgraph.Graph {
	return s.graph
}

// AddListener registers a mutation listener.
func (s *Store) AddListener(l MutationListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notifyMutation(tableID int64, op string, rowIDs []int64, syncOriginated bool) {
	s.listenerMu.RLock()
	listeners := s.listeners
	s.listenerMu.RUnlock()
	for _, l := range listeners {
		l.RowsMutated(tableID, op, rowIDs, syncOriginated)
	}
}

// lockMutate acquires the mutation lock, giving up with a conflict error
// after the configured wait. A caller that loses the race fails fast
// instead of queueing behind a long bulk operation.
func (s *Store) lockMutate(ctx context.Context) error {
	deadline := time.Now().Add(s.lockWait)
	for {
		if s.mutateMu.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.NewConflictError(errors.CodeRowLockHeld,
				"another mutation holds the row lock")
		}
		select {
		case <-ctx.Done():
			return errors.NewConflictError(errors.CodeRowLockHeld,
				fmt.Sprintf("canceled while waiting for the row lock: %v", ctx.Err()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Table returns the live schema of a table.
func (s *Store) Table(tableID int64) (*schema.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tableLocked(tableID)
}

func (s *Store) tableLocked(tableID int64) (*schema.Table, error) {
	t, ok := s.tables[tableID]
	if !ok || t.Trashed {
		return nil, errors.NewReferenceError(errors.CodeTableNotFound,
			fmt.Sprintf("table %d does not exist", tableID))
	}
	return t, nil
}

// Tables returns all live tables ordered by id.
func (s *Store) Tables() []*schema.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.Table, 0, len(s.tables))
	for _, t := range s.tables {
		if !t.Trashed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TableByName resolves a live table by name.
func (s *Store) TableByName(name string) (*schema.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tables {
		if !t.Trashed && t.Name == name {
			return t, nil
		}
	}
	return nil, errors.NewReferenceError(errors.CodeTableNotFound,
		fmt.Sprintf("table %q does not exist", name))
}

// FieldSpec describes a field to create. The zero Config is valid for
// scalar kinds.
type FieldSpec struct {
	Name          string
	Kind          types.FieldKind
	Config        schema.FieldConfig
	Primary       bool
	ReadOnly      bool
	Immutable     bool
	UniquePrimary bool
}

// CreateTable creates an empty table with the given fields. The first field
// becomes primary unless a spec claims it. Link fields get their symmetric
// reversed half created in the related table.
func (s *Store) CreateTable(ctx context.Context, name string, specs []FieldSpec) (*schema.Table, error) {
	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()
	return s.createTableLocked(ctx, name, specs)
}

func (s *Store) createTableLocked(ctx context.Context, name string, specs []FieldSpec) (*schema.Table, error) {
	if len(specs) == 0 {
		return nil, errors.NewValidationError(errors.CodeSizeLimitExceeded,
			"a table needs at least one field")
	}
	if s.limits.MaxFields > 0 && len(specs) > s.limits.MaxFields {
		return nil, errors.NewValidationError(errors.CodeSizeLimitExceeded,
			fmt.Sprintf("table has %d fields, the limit is %d", len(specs), s.limits.MaxFields))
	}
	names := make([]string, len(specs))
	hasPrimary := false
	for i, spec := range specs {
		names[i] = spec.Name
		if spec.Primary {
			hasPrimary = true
		}
		if !spec.Kind.Valid() {
			return nil, errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("field %q has unknown kind %q", spec.Name, spec.Kind))
		}
	}
	if err := schema.ValidateFieldNames(names); err != nil {
		return nil, err
	}

	tableID, err := s.cat.insertTable(ctx, name)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "creating table", err)
	}
	if err := s.cat.createRowsTable(ctx, tableID); err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "creating rows table", err)
	}

	table := &schema.Table{ID: tableID, Name: name}
	s.mu.Lock()
	s.tables[tableID] = table
	s.rows[tableID] = newRowSet()
	s.mu.Unlock()

	for i, spec := range specs {
		field := schema.Field{
			TableID:       tableID,
			Name:          spec.Name,
			Kind:          spec.Kind,
			Config:        spec.Config,
			Primary:       spec.Primary || (!hasPrimary && i == 0),
			ReadOnly:      spec.ReadOnly,
			Immutable:     spec.Immutable,
			UniquePrimary: spec.UniquePrimary,
		}
		if _, err := s.createFieldLocked(ctx, table, field); err != nil {
			return nil, err
		}
	}
	log.Printf("store: created table %q (id %d) with %d fields", name, tableID, len(specs))
	return table, nil
}

// CreateTableFromGrid bootstraps a table from a raw grid of cell strings,
// the paste-a-spreadsheet path. Kinds are guessed per column and every cell
// converted with per-cell degradation to null, never a per-cell error.
func (s *Store) CreateTableFromGrid(ctx context.Context, name string, grid [][]string, firstRowHeader bool, progress observability.Progress) (*schema.Table, error) {
	if progress == nil {
		progress = observability.NoopProgress{}
	}
	result, err := schema.FromGrid(grid, firstRowHeader, s.limits)
	if err != nil {
		return nil, err
	}
	progress.Increment(1, "convert")

	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()

	specs := make([]FieldSpec, len(result.Names))
	for i := range result.Names {
		specs[i] = FieldSpec{Name: result.Names[i], Kind: result.Kinds[i]}
	}
	table, err := s.createTableLocked(ctx, name, specs)
	if err != nil {
		return nil, err
	}

	values := make([]map[int64]types.Value, len(result.Rows))
	for i, row := range result.Rows {
		m := make(map[int64]types.Value, len(row))
		for col, v := range row {
			m[table.Fields[col].ID] = v
		}
		values[i] = m
	}
	if _, err := s.createRowsLocked(ctx, table.ID, values, WriteOptions{}, progress); err != nil {
		return nil, err
	}
	return table, nil
}

// TrashTable moves a table to the trash. Fields referencing it from other
// tables break (tombstoned in the graph) and heal again on restore.
func (s *Store) TrashTable(ctx context.Context, tableID int64) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()

	s.mu.Lock()
	table, err := s.tableLocked(tableID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	table.Trashed = true
	s.mu.Unlock()

	if err := s.cat.setTableTrashed(ctx, tableID, true); err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "trashing table", err)
	}

	// Break every dependant of every field in the trashed table.
	var orphaned []int64
	for i := range table.Fields {
		f := &table.Fields[i]
		orphaned = append(orphaned, s.graph.RemoveField(f.ID, tableID, f.Name)...)
	}
	s.markFieldsBroken(ctx, orphaned, fmt.Sprintf("references the deleted table %s", table.Name))
	log.Printf("store: trashed table %d, %d dependant fields broken", tableID, len(orphaned))
	return nil
}

// RestoreTable brings a trashed table back. Broken references pointing at
// its fields heal by (table, name) and their dependants recompute.
func (s *Store) RestoreTable(ctx context.Context, tableID int64) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()

	s.mu.Lock()
	table, ok := s.tables[tableID]
	if !ok {
		s.mu.Unlock()
		return errors.NewReferenceError(errors.CodeTableNotFound,
			fmt.Sprintf("table %d does not exist", tableID))
	}
	table.Trashed = false
	s.mu.Unlock()

	if err := s.cat.setTableTrashed(ctx, tableID, false); err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "restoring table", err)
	}

	for i := range table.Fields {
		f := &table.Fields[i]
		s.registerDependencies(f)
		healed := s.graph.Heal(tableID, f.Name, f.ID)
		s.healFields(ctx, healed)
	}
	log.Printf("store: restored table %d", tableID)
	return nil
}

// DeleteTablePermanently removes a table, its rows table, and all its
// metadata. Dependants stay broken; there is nothing left to heal against.
func (s *Store) DeleteTablePermanently(ctx context.Context, tableID int64) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()

	s.mu.Lock()
	table, ok := s.tables[tableID]
	if !ok {
		s.mu.Unlock()
		return errors.NewReferenceError(errors.CodeTableNotFound,
			fmt.Sprintf("table %d does not exist", tableID))
	}
	delete(s.tables, tableID)
	delete(s.rows, tableID)
	for id, f := range s.trashedFields {
		if f.TableID == tableID {
			delete(s.trashedFields, id)
		}
	}
	s.mu.Unlock()

	var orphaned []int64
	for i := range table.Fields {
		f := &table.Fields[i]
		orphaned = append(orphaned, s.graph.RemoveField(f.ID, tableID, f.Name)...)
		s.graph.ClearDependenciesOf(f.ID)
	}
	s.markFieldsBroken(ctx, orphaned, fmt.Sprintf("references the deleted table %s", table.Name))

	if err := s.cat.deleteTable(ctx, tableID); err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "deleting table", err)
	}
	if err := s.cat.dropRowsTable(ctx, tableID); err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "dropping rows table", err)
	}
	log.Printf("store: permanently deleted table %d", tableID)
	return nil
}

// persistField writes a field's current state through to the catalog.
func (s *Store) persistField(ctx context.Context, f *schema.Field) error {
	if err := s.cat.updateField(ctx, f); err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed,
			fmt.Sprintf("persisting field %d", f.ID), err)
	}
	return nil
}
