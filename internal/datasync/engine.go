package datasync

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/gridrow/gridrow/internal/config"
	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/internal/observability"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/internal/store"
	"github.com/gridrow/gridrow/pkg/types"
)

// Engine runs data syncs against the row store. One engine serves all data
// syncs; concurrent runs of the same sync are excluded by a TTL lock.
type Engine struct {
	store *store.Store
	cfg   config.SyncConfig
	locks *lockTable

	mu        sync.RWMutex
	factories map[string]SourceFactory
	pushers   map[string]Pusher

	pushWG sync.WaitGroup
}

// New creates a sync engine bound to a store. The engine registers itself
// as a mutation listener so two-way syncs see user edits.
func New(st *store.Store, cfg config.SyncConfig) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	e := &Engine{
		store:     st,
		cfg:       cfg,
		locks:     newLockTable(),
		factories: make(map[string]SourceFactory),
		pushers:   make(map[string]Pusher),
	}
	st.AddListener(e)
	return e
}

// RegisterSource installs a factory for a source type.
func (e *Engine) RegisterSource(sourceType string, f SourceFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factories[sourceType] = f
}

// Close waits for in-flight two-way pushes to drain.
func (e *Engine) Close() {
	e.pushWG.Wait()
}

// CreateOptions qualifies a new data sync.
type CreateOptions struct {
	AutoAddNew bool
	TwoWay     bool
}

// CreateDataSync creates the synced table from the source's properties and
// persists the sync definition. The first property becomes the table's
// primary field; every synced field is read-only and immutable for users.
// The caller runs Sync afterwards to pull the initial rows.
func (e *Engine) CreateDataSync(ctx context.Context, tableName string, src Source, srcConfig map[string]string, opts CreateOptions) (*store.DataSyncRecord, error) {
	props, err := src.Properties(ctx)
	if err != nil {
		return nil, err
	}
	if len(props) == 0 {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload,
			fmt.Sprintf("source %s exposes no properties", src.Type()), nil)
	}
	assertUniquePrimary(src.Type(), props)

	specs := make([]store.FieldSpec, len(props))
	for i, p := range props {
		// Two-way syncs leave non-identity fields user-writable; edits to
		// them are pushed back to the source. Identity stays read-only,
		// the diff keys on it.
		readOnly := !opts.TwoWay || p.UniquePrimary
		specs[i] = store.FieldSpec{
			Name:          p.Name,
			Kind:          p.Kind,
			Config:        p.Config,
			Primary:       i == 0,
			ReadOnly:      readOnly,
			Immutable:     true,
			UniquePrimary: p.UniquePrimary,
		}
	}
	table, err := e.store.CreateTable(ctx, tableName, specs)
	if err != nil {
		return nil, err
	}

	rec := &store.DataSyncRecord{
		ID:         uuid.NewString(),
		TableID:    table.ID,
		SourceType: src.Type(),
		Config:     srcConfig,
		AutoAddNew: opts.AutoAddNew,
		TwoWay:     opts.TwoWay,
	}
	for i, p := range props {
		rec.Properties = append(rec.Properties, store.SyncedProperty{
			Key:           p.Key,
			FieldID:       table.Fields[i].ID,
			UniquePrimary: p.UniquePrimary,
		})
	}
	if err := e.store.SaveDataSync(ctx, rec); err != nil {
		return nil, err
	}
	log.Printf("datasync: created sync %s (%s) for table %d", rec.ID, rec.SourceType, table.ID)
	return rec, nil
}

// assertUniquePrimary enforces the source contract. A source without an
// identity property is a bug in the source implementation, not user input.
func assertUniquePrimary(sourceType string, props []Property) {
	for _, p := range props {
		if p.UniquePrimary {
			return
		}
	}
	panic(fmt.Sprintf("datasync: source %s defines no unique-primary property", sourceType))
}

// sourceFor builds the source of a record. Tests may pass a pre-built
// source through RegisterSource with a closure factory.
func (e *Engine) sourceFor(rec *store.DataSyncRecord) (Source, error) {
	e.mu.RLock()
	factory, ok := e.factories[rec.SourceType]
	e.mu.RUnlock()
	if !ok {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload,
			fmt.Sprintf("no source registered for type %q", rec.SourceType), nil)
	}
	return factory(rec.Config)
}

// Sync runs one full reconciliation of a data sync: fetch everything,
// diff against the table by identity key, and apply creates, updates, and
// deletes through the store. A second run while one is in flight fails
// immediately with a CONFLICT error; nothing queues.
func (e *Engine) Sync(ctx context.Context, dataSyncID string, progress observability.Progress) error {
	if progress == nil {
		progress = observability.NoopProgress{}
	}
	if !e.locks.acquire(dataSyncID, e.cfg.LockTTL) {
		return errors.NewConflictError(errors.CodeSyncAlreadyRunning,
			fmt.Sprintf("sync %s is already running", dataSyncID))
	}
	defer e.locks.release(dataSyncID)

	rec, err := e.store.DataSync(ctx, dataSyncID)
	if err != nil {
		return err
	}
	err = e.run(ctx, rec, progress)

	if err != nil {
		rec.LastError = err.Error()
		e.store.Counters().SyncFailures.Add(1)
	} else {
		rec.LastSync = time.Now().UTC()
		rec.LastError = ""
		e.store.Counters().SyncRuns.Add(1)
	}
	if saveErr := e.store.SaveDataSync(ctx, rec); saveErr != nil {
		log.Printf("datasync: recording outcome of sync %s: %v", dataSyncID, saveErr)
	}
	return err
}

func (e *Engine) run(ctx context.Context, rec *store.DataSyncRecord, progress observability.Progress) error {
	src, err := e.sourceFor(rec)
	if err != nil {
		return err
	}

	props, err := src.Properties(ctx)
	if err != nil {
		return err
	}
	assertUniquePrimary(src.Type(), props)
	if err := e.reconcileSchema(ctx, rec, props); err != nil {
		return err
	}

	fetchCtx := ctx
	if e.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
	}
	upstream, err := src.AllRows(fetchCtx)
	if err != nil {
		return err
	}
	progress.Increment(len(upstream), "download")

	table, err := e.store.Table(rec.TableID)
	if err != nil {
		return err
	}
	binding := make(map[string]*schema.Field, len(rec.Properties))
	var keyProps []store.SyncedProperty
	for _, p := range rec.Properties {
		f, ok := table.FieldByID(p.FieldID)
		if !ok {
			return errors.NewSyncError(errors.CodeBadSourcePayload,
				fmt.Sprintf("synced field %d for property %q is gone", p.FieldID, p.Key), nil)
		}
		binding[p.Key] = f
		if p.UniquePrimary {
			keyProps = append(keyProps, p)
		}
	}
	sort.Slice(keyProps, func(i, j int) bool { return keyProps[i].Key < keyProps[j].Key })

	// Identity and change fingerprints for the local side.
	local, err := e.store.QueryRows(rec.TableID, store.Query{})
	if err != nil {
		return err
	}
	type localRow struct {
		row     *store.Row
		print   uint64
		matched bool
	}
	byIdentity := make(map[uint64]*localRow, len(local))
	for _, r := range local {
		lr := &localRow{row: r, print: rowFingerprint(rec.Properties, binding, func(key string) types.Value {
			return r.Value(binding[key].ID)
		})}
		id := identityKey(keyProps, func(key string) types.Value {
			return r.Value(binding[key].ID)
		})
		byIdentity[id] = lr
	}

	var creates []map[int64]types.Value
	var updates []store.RowUpdate
	created := make(map[uint64]bool)
	for _, srcRow := range upstream {
		get := func(key string) types.Value { return srcRow[key] }
		id := identityKey(keyProps, get)
		lr, exists := byIdentity[id]
		// Duplicate identity upstream: first occurrence wins.
		if (exists && lr.matched) || created[id] {
			continue
		}
		if !exists {
			values := make(map[int64]types.Value, len(rec.Properties))
			for _, p := range rec.Properties {
				values[p.FieldID] = coerceSourceValue(binding[p.Key].Kind, srcRow[p.Key])
			}
			creates = append(creates, values)
			created[id] = true
			continue
		}
		lr.matched = true
		if lr.print == rowFingerprint(rec.Properties, binding, get) {
			continue
		}
		changed := make(map[int64]types.Value)
		for _, p := range rec.Properties {
			f := binding[p.Key]
			newVal := coerceSourceValue(f.Kind, srcRow[p.Key])
			if !types.Equal(f.Kind, lr.row.Value(f.ID), newVal) {
				changed[f.ID] = newVal
			}
		}
		if len(changed) > 0 {
			updates = append(updates, store.RowUpdate{RowID: lr.row.ID, Values: changed})
		}
	}
	var deletes []int64
	for _, lr := range byIdentity {
		if !lr.matched {
			deletes = append(deletes, lr.row.ID)
		}
	}
	sort.Slice(deletes, func(i, j int) bool { return deletes[i] < deletes[j] })
	progress.Increment(len(creates)+len(updates)+len(deletes), "convert")

	opts := store.WriteOptions{SyncOriginated: true}
	if len(creates) > 0 {
		if _, err := e.store.CreateRows(ctx, rec.TableID, creates, opts); err != nil {
			return err
		}
	}
	if len(updates) > 0 {
		if err := e.store.UpdateRows(ctx, rec.TableID, updates, opts); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err := e.store.DeleteRows(ctx, rec.TableID, deletes, true, opts); err != nil {
			return err
		}
	}
	progress.Increment(len(creates)+len(updates)+len(deletes), "apply")
	log.Printf("datasync: sync %s applied %d creates, %d updates, %d deletes",
		rec.ID, len(creates), len(updates), len(deletes))
	return nil
}

// reconcileSchema aligns the synced table with the source's current
// property set: new properties become fields (when the sync auto-adds),
// vanished ones are trashed, and kept ones pick up upstream changes to
// their kind, per-kind configuration, and identity flag. A vanished
// unique-primary property fails the run; identity cannot silently change.
func (e *Engine) reconcileSchema(ctx context.Context, rec *store.DataSyncRecord, props []Property) error {
	table, err := e.store.Table(rec.TableID)
	if err != nil {
		return err
	}
	current := make(map[string]Property, len(props))
	for _, p := range props {
		current[p.Key] = p
	}

	kept := rec.Properties[:0]
	changed := false
	for _, bound := range rec.Properties {
		if p, still := current[bound.Key]; still {
			// Property keeps its field id across kind, config, and
			// identity-flag changes.
			readOnly := !rec.TwoWay || p.UniquePrimary
			if f, ok := table.FieldByID(bound.FieldID); ok &&
				(f.Kind != p.Kind || !reflect.DeepEqual(f.Config, p.Config) ||
					f.UniquePrimary != p.UniquePrimary || f.ReadOnly != readOnly) {
				_, err := e.store.ReconcileSyncedField(ctx, rec.TableID, bound.FieldID, store.FieldSpec{
					Kind:          p.Kind,
					Config:        p.Config,
					ReadOnly:      readOnly,
					UniquePrimary: p.UniquePrimary,
				})
				if err != nil {
					return err
				}
			}
			if bound.UniquePrimary != p.UniquePrimary {
				bound.UniquePrimary = p.UniquePrimary
				changed = true
			}
			kept = append(kept, bound)
			continue
		}
		if bound.UniquePrimary {
			return errors.NewSyncError(errors.CodeBadSourcePayload,
				fmt.Sprintf("source no longer exposes the identity property %q", bound.Key), nil)
		}
		if f, ok := table.FieldByID(bound.FieldID); ok && !f.Primary {
			if err := e.store.DeleteField(ctx, rec.TableID, bound.FieldID, false); err != nil {
				return err
			}
		}
		changed = true
	}
	rec.Properties = kept

	if rec.AutoAddNew {
		bound := make(map[string]bool, len(rec.Properties))
		for _, p := range rec.Properties {
			bound[p.Key] = true
		}
		for _, p := range props {
			if bound[p.Key] {
				continue
			}
			f, err := e.store.CreateField(ctx, rec.TableID, store.FieldSpec{
				Name:          p.Name,
				Kind:          p.Kind,
				Config:        p.Config,
				ReadOnly:      !rec.TwoWay || p.UniquePrimary,
				Immutable:     true,
				UniquePrimary: p.UniquePrimary,
			})
			if err != nil {
				return err
			}
			rec.Properties = append(rec.Properties, store.SyncedProperty{
				Key: p.Key, FieldID: f.ID, UniquePrimary: p.UniquePrimary,
			})
			changed = true
		}
	}

	if changed {
		return e.store.SaveDataSync(ctx, rec)
	}
	return nil
}

// identityKey hashes the ordered tuple of unique-primary values.
func identityKey(keyProps []store.SyncedProperty, get func(key string) types.Value) uint64 {
	h := murmur3.New128()
	for _, p := range keyProps {
		h.Write([]byte(p.Key))
		h.Write([]byte{0})
		h.Write([]byte(canonicalText(get(p.Key))))
		h.Write([]byte{0})
	}
	hi, lo := h.Sum128()
	return hi ^ lo
}

// rowFingerprint hashes every bound property value, a cheap first-pass
// change check before the per-field comparison.
func rowFingerprint(props []store.SyncedProperty, binding map[string]*schema.Field, get func(key string) types.Value) uint64 {
	keys := make([]string, 0, len(props))
	for _, p := range props {
		keys = append(keys, p.Key)
	}
	sort.Strings(keys)
	h := murmur3.New128()
	for _, key := range keys {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(canonicalText(coerceSourceValue(binding[key].Kind, get(key)))))
		h.Write([]byte{0})
	}
	hi, lo := h.Sum128()
	return hi ^ lo
}

// canonicalText renders a value in the normalized form used for hashing.
func canonicalText(v types.Value) string {
	switch v.Kind {
	case types.ValueNull, types.ValueInvalid:
		return "\x00null"
	case types.ValueTime:
		return v.Time.UTC().Truncate(time.Second).Format(time.RFC3339)
	default:
		return v.Text()
	}
}

// coerceSourceValue degrades a source value that does not fit its field's
// kind to null, mirroring the paste-path behavior.
func coerceSourceValue(kind types.FieldKind, v types.Value) types.Value {
	switch v.Kind {
	case types.ValueNull, types.ValueInvalid:
		return types.Null()
	}
	switch kind {
	case types.KindText, types.KindLongText:
		return types.String(v.Text())
	case types.KindNumber:
		if v.Kind == types.ValueNumber {
			return v
		}
	case types.KindBoolean:
		if v.Kind == types.ValueBool {
			return v
		}
	case types.KindDate:
		if v.Kind == types.ValueTime {
			return v
		}
	case types.KindSingleSelect, types.KindMultiSelect:
		if v.Kind == types.ValueOptions {
			return v
		}
	}
	return types.Null()
}
