package store

import (
	"context"
	"fmt"
	"log"
	"reflect"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/internal/formula"
	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// CreateField adds a field to a live table. Derived fields get their output
// type derived and their values computed for all existing rows; broken
// references awaiting a field of this name heal.
func (s *Store) CreateField(ctx context.Context, tableID int64, spec FieldSpec) (*schema.Field, error) {
	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	field := schema.Field{
		TableID:       tableID,
		Name:          spec.Name,
		Kind:          spec.Kind,
		Config:        spec.Config,
		Primary:       false,
		ReadOnly:      spec.ReadOnly,
		Immutable:     spec.Immutable,
		UniquePrimary: spec.UniquePrimary,
	}
	return s.createFieldLocked(ctx, table, field)
}

func (s *Store) createFieldLocked(ctx context.Context, table *schema.Table, field schema.Field) (*schema.Field, error) {
	if !field.Kind.Valid() {
		return nil, errors.NewValidationError(errors.CodeInvalidFieldConfig,
			fmt.Sprintf("field %q has unknown kind %q", field.Name, field.Kind))
	}
	names := make([]string, 0, len(table.Fields)+1)
	for _, f := range table.Fields {
		names = append(names, f.Name)
	}
	names = append(names, field.Name)
	if err := schema.ValidateFieldNames(names); err != nil {
		return nil, err
	}
	if err := field.ValidateConfig(); err != nil {
		return nil, err
	}
	if field.Kind == types.KindLinkRow {
		s.mu.RLock()
		_, err := s.tableLocked(field.Config.LinkTableID)
		s.mu.RUnlock()
		if err != nil {
			return nil, err
		}
	}

	s.deriveOutputType(table, &field)

	id, err := s.cat.insertField(ctx, &field, len(table.Fields))
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "creating field", err)
	}
	field.ID = id

	s.mu.Lock()
	table.Fields = append(table.Fields, field)
	created := &table.Fields[len(table.Fields)-1]
	s.mu.Unlock()

	// Symmetric link: the related table gets the reversed half. A field
	// arriving with ReversedFieldID already set IS the reversed half.
	if field.Kind == types.KindLinkRow && field.Config.ReversedFieldID == 0 {
		if err := s.createReversedLink(ctx, table, created); err != nil {
			return nil, err
		}
		s.mu.RLock()
		created, _ = table.FieldByID(id)
		s.mu.RUnlock()
	}

	s.registerDependencies(created)

	// New derived field: compute values for every existing row.
	if created.Kind.Derived() {
		if _, err := s.recomputeFieldAllRows(ctx, table, created); err != nil {
			return nil, err
		}
	}

	// A broken reference waiting for this (table, name) heals now.
	healed := s.graph.Heal(table.ID, created.Name, created.ID)
	if len(healed) > 0 {
		if err := s.healFields(ctx, healed); err != nil {
			return nil, err
		}
	}

	s.notifier.FieldValueUpdatedOrCreated(table.ID)
	log.Printf("store: created field %q (id %d, kind %s) in table %d", created.Name, created.ID, created.Kind, table.ID)
	return created, nil
}

// createReversedLink creates the symmetric half of a link field in the
// related table, named after the linking table, deduped on collision.
func (s *Store) createReversedLink(ctx context.Context, table *schema.Table, link *schema.Field) error {
	s.mu.RLock()
	related, err := s.tableLocked(link.Config.LinkTableID)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	name := table.Name
	for n := 2; ; n++ {
		if _, taken := related.FieldByName(name); !taken {
			break
		}
		name = fmt.Sprintf("%s %d", table.Name, n)
	}

	linkID := link.ID
	reversed, err := s.createFieldLocked(ctx, related, schema.Field{
		TableID: related.ID,
		Name:    name,
		Kind:    types.KindLinkRow,
		Config: schema.FieldConfig{
			LinkTableID:     table.ID,
			ReversedFieldID: linkID,
		},
	})
	if err != nil {
		return err
	}

	// Re-resolve by id: a self-referencing link just grew its own table's
	// field slice.
	s.mu.RLock()
	f, ok := table.FieldByID(linkID)
	s.mu.RUnlock()
	if !ok {
		return errors.New(errors.ErrCategoryInternal, errors.CodeUnexpected,
			fmt.Sprintf("link field %d vanished while creating its reversed half", linkID))
	}
	f.Config.ReversedFieldID = reversed.ID
	return s.persistField(ctx, f)
}

// UpdateField changes a field's name, kind, or configuration. Renames break
// dependants that reference the old name and heal any waiting on the new
// one; kind and config changes recompute the field and its dependants.
func (s *Store) UpdateField(ctx context.Context, tableID, fieldID int64, spec FieldSpec) (*schema.Field, error) {
	return s.UpdateFieldOpts(ctx, tableID, fieldID, spec, WriteOptions{})
}

// UpdateFieldOpts is UpdateField with mutation options. Sync-originated
// updates may reconfigure fields a data sync manages.
func (s *Store) UpdateFieldOpts(ctx context.Context, tableID, fieldID int64, spec FieldSpec, opts WriteOptions) (*schema.Field, error) {
	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	field, ok := table.FieldByID(fieldID)
	if !ok {
		return nil, errors.NewReferenceError(errors.CodeFieldNotFound,
			fmt.Sprintf("field %d does not exist in table %d", fieldID, tableID))
	}
	retyped := spec.Kind != "" && spec.Kind != field.Kind
	// A zero-value config on a rename-only update means "leave it alone";
	// combined with a retype it wipes the old one.
	configProvided := !configEqual(spec.Config, schema.FieldConfig{})
	reconfigured := (retyped || configProvided) && !configEqual(spec.Config, field.Config)
	if field.Immutable && !opts.SyncOriginated && (retyped || reconfigured) {
		return nil, errors.NewValidationError(errors.CodeInvalidFieldConfig,
			fmt.Sprintf("field %q is managed by a data sync and cannot be reconfigured", field.Name))
	}

	renamed := spec.Name != "" && spec.Name != field.Name
	if renamed {
		names := make([]string, 0, len(table.Fields))
		for _, f := range table.Fields {
			if f.ID == fieldID {
				names = append(names, spec.Name)
			} else {
				names = append(names, f.Name)
			}
		}
		if err := schema.ValidateFieldNames(names); err != nil {
			return nil, err
		}
	}

	oldName := field.Name
	if renamed {
		field.Name = spec.Name
	}
	if retyped {
		if !spec.Kind.Valid() {
			return nil, errors.NewValidationError(errors.CodeInvalidFieldConfig,
				fmt.Sprintf("unknown kind %q", spec.Kind))
		}
		field.Kind = spec.Kind
	}
	if reconfigured {
		field.Config = spec.Config
		if err := field.ValidateConfig(); err != nil {
			return nil, err
		}
		s.invalidateFormulaCache(fieldID)
	}

	if renamed {
		// References are by name: dependants still pointing at the old
		// name break, and tombstones waiting for the new name heal.
		orphaned := s.graph.RemoveField(fieldID, tableID, oldName)
		s.markFieldsBroken(ctx, orphaned,
			fmt.Sprintf("references the deleted or unknown field %s", oldName))
	}

	if retyped || reconfigured {
		s.graph.ClearDependenciesOf(fieldID)
		s.deriveOutputType(table, field)
		s.registerDependencies(field)
	}

	if err := s.persistField(ctx, field); err != nil {
		return nil, err
	}

	var changedRows []int64
	if retyped {
		changedRows, err = s.coerceFieldValues(ctx, table, field)
		if err != nil {
			return nil, err
		}
	}
	if field.Kind.Derived() && (retyped || reconfigured) {
		changedRows, err = s.recomputeFieldAllRows(ctx, table, field)
		if err != nil {
			return nil, err
		}
	}

	if renamed {
		healed := s.graph.Heal(tableID, field.Name, fieldID)
		if err := s.healFields(ctx, healed); err != nil {
			return nil, err
		}
	}

	if len(changedRows) > 0 {
		if err := s.propagateFrom(ctx, map[int64][]int64{fieldID: changedRows}); err != nil {
			return nil, err
		}
	}
	s.notifier.FieldValueUpdatedOrCreated(tableID)
	log.Printf("store: updated field %d in table %d", fieldID, tableID)
	return field, nil
}

// ReconcileSyncedField aligns a sync-managed field with its upstream
// property: kind, per-kind configuration, and the identity and read-only
// flags. Unlike UpdateFieldOpts a zero-value config here is authoritative,
// not "leave it alone"; the source owns the whole configuration. Only the
// sync engine calls this.
func (s *Store) ReconcileSyncedField(ctx context.Context, tableID, fieldID int64, spec FieldSpec) (*schema.Field, error) {
	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	field, ok := table.FieldByID(fieldID)
	if !ok {
		return nil, errors.NewReferenceError(errors.CodeFieldNotFound,
			fmt.Sprintf("field %d does not exist in table %d", fieldID, tableID))
	}

	retyped := spec.Kind != "" && spec.Kind != field.Kind
	reconfigured := !configEqual(spec.Config, field.Config)
	flagsChanged := field.UniquePrimary != spec.UniquePrimary || field.ReadOnly != spec.ReadOnly
	if !retyped && !reconfigured && !flagsChanged {
		return field, nil
	}
	if retyped && !spec.Kind.Valid() {
		return nil, errors.NewValidationError(errors.CodeInvalidFieldConfig,
			fmt.Sprintf("unknown kind %q", spec.Kind))
	}

	s.mu.Lock()
	if retyped {
		field.Kind = spec.Kind
	}
	if reconfigured {
		field.Config = spec.Config
	}
	field.UniquePrimary = spec.UniquePrimary
	field.ReadOnly = spec.ReadOnly
	s.mu.Unlock()
	if reconfigured {
		if err := field.ValidateConfig(); err != nil {
			return nil, err
		}
		s.invalidateFormulaCache(fieldID)
	}
	if retyped || reconfigured {
		s.graph.ClearDependenciesOf(fieldID)
		s.deriveOutputType(table, field)
		s.registerDependencies(field)
	}
	if err := s.persistField(ctx, field); err != nil {
		return nil, err
	}

	var changedRows []int64
	if retyped {
		changedRows, err = s.coerceFieldValues(ctx, table, field)
		if err != nil {
			return nil, err
		}
	}
	if len(changedRows) > 0 {
		if err := s.propagateFrom(ctx, map[int64][]int64{fieldID: changedRows}); err != nil {
			return nil, err
		}
	}
	s.notifier.FieldValueUpdatedOrCreated(tableID)
	log.Printf("store: reconciled synced field %d in table %d", fieldID, tableID)
	return field, nil
}

// DeleteField trashes (or permanently deletes) a field. Dependant derived
// fields across all tables become invalid with a broken reference; trashed
// fields can be restored, healing those dependants.
func (s *Store) DeleteField(ctx context.Context, tableID, fieldID int64, permanent bool) error {
	if err := s.lockMutate(ctx); err != nil {
		return err
	}
	defer s.mutateMu.Unlock()
	return s.deleteFieldLocked(ctx, tableID, fieldID, permanent, true)
}

func (s *Store) deleteFieldLocked(ctx context.Context, tableID, fieldID int64, permanent, alsoReversed bool) error {
	s.mu.RLock()
	table, err := s.tableLocked(tableID)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	field, ok := table.FieldByID(fieldID)
	if !ok {
		return errors.NewReferenceError(errors.CodeFieldNotFound,
			fmt.Sprintf("field %d does not exist in table %d", fieldID, tableID))
	}
	if field.Primary {
		return errors.NewValidationError(errors.CodePrimaryFieldNeeded,
			fmt.Sprintf("field %q is the primary field and cannot be deleted", field.Name))
	}
	if field.UniquePrimary {
		if has, err := s.cat.tableHasDataSync(ctx, tableID); err != nil {
			return errors.NewStorageError(errors.CodeReadFailed, "checking data sync", err)
		} else if has {
			return errors.New(errors.ErrCategorySync, errors.CodeUniquePrimaryInUse,
				fmt.Sprintf("field %q identifies synced rows and cannot be deleted while the data sync exists", field.Name))
		}
	}

	removed := *field
	s.mu.Lock()
	for i := range table.Fields {
		if table.Fields[i].ID == fieldID {
			table.Fields = append(table.Fields[:i], table.Fields[i+1:]...)
			break
		}
	}
	if !permanent {
		s.trashedFields[fieldID] = removed
	}
	s.mu.Unlock()
	s.invalidateFormulaCache(fieldID)

	if permanent {
		if err := s.cat.deleteField(ctx, fieldID); err != nil {
			return errors.NewStorageError(errors.CodeWriteFailed, "deleting field", err)
		}
	} else {
		if err := s.cat.setFieldTrashed(ctx, fieldID, true); err != nil {
			return errors.NewStorageError(errors.CodeWriteFailed, "trashing field", err)
		}
	}

	orphaned := s.graph.RemoveField(fieldID, tableID, removed.Name)
	s.graph.ClearDependenciesOf(fieldID)
	s.markFieldsBroken(ctx, orphaned,
		fmt.Sprintf("references the deleted or unknown field %s", removed.Name))

	// The reversed half of a symmetric link goes with it.
	if alsoReversed && removed.Kind == types.KindLinkRow && removed.Config.ReversedFieldID != 0 {
		if err := s.deleteFieldLocked(ctx, removed.Config.LinkTableID, removed.Config.ReversedFieldID, permanent, false); err != nil {
			if errors.GetCode(err) != errors.CodeFieldNotFound {
				return err
			}
		}
	}

	log.Printf("store: deleted field %d (%q) from table %d, %d dependants broken", fieldID, removed.Name, tableID, len(orphaned))
	return nil
}

// RestoreField brings a trashed field back, healing broken references that
// point at its name and recomputing the healed dependants.
func (s *Store) RestoreField(ctx context.Context, fieldID int64) (*schema.Field, error) {
	if err := s.lockMutate(ctx); err != nil {
		return nil, err
	}
	defer s.mutateMu.Unlock()

	s.mu.Lock()
	field, ok := s.trashedFields[fieldID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewReferenceError(errors.CodeFieldNotFound,
			fmt.Sprintf("field %d is not in the trash", fieldID))
	}
	table, err := s.tableLocked(field.TableID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, taken := table.FieldByName(field.Name); taken {
		s.mu.Unlock()
		return nil, errors.NewValidationError(errors.CodeDuplicateFieldName,
			fmt.Sprintf("field name %q is taken, the trashed field cannot be restored", field.Name))
	}
	delete(s.trashedFields, fieldID)
	table.Fields = append(table.Fields, field)
	restored := &table.Fields[len(table.Fields)-1]
	s.mu.Unlock()

	if err := s.cat.setFieldTrashed(ctx, fieldID, false); err != nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "restoring field", err)
	}

	s.deriveOutputType(table, restored)
	s.registerDependencies(restored)
	if err := s.persistField(ctx, restored); err != nil {
		return nil, err
	}
	if restored.Kind.Derived() {
		if _, err := s.recomputeFieldAllRows(ctx, table, restored); err != nil {
			return nil, err
		}
	}

	healed := s.graph.Heal(table.ID, restored.Name, fieldID)
	if err := s.healFields(ctx, healed); err != nil {
		return nil, err
	}
	s.notifier.FieldValueUpdatedOrCreated(table.ID)
	log.Printf("store: restored field %d (%q) in table %d, %d dependants healed", fieldID, restored.Name, table.ID, len(healed))
	return restored, nil
}

// registerDependencies records a derived field's edges in the graph. Edges
// that cannot be resolved are simply absent; the output type derivation
// carries the broken state.
func (s *Store) registerDependencies(f *schema.Field) {
	switch f.Kind {
	case types.KindLookup:
		if f.Config.ThroughFieldID != 0 {
			s.graph.AddDependency(f.ID, f.Config.ThroughFieldID, 0)
		}
		if f.Config.TargetFieldID != 0 {
			s.graph.AddDependency(f.ID, f.Config.TargetFieldID, f.Config.ThroughFieldID)
		} else if f.Config.TargetFieldName != "" {
			s.mu.RLock()
			table := s.tables[f.TableID]
			if link, ok := table.FieldByID(f.Config.ThroughFieldID); ok {
				s.graph.AddBrokenDependency(f.ID, link.Config.LinkTableID, f.Config.TargetFieldName, link.ID)
			}
			s.mu.RUnlock()
		}
	case types.KindCount:
		if f.Config.ThroughFieldID != 0 {
			s.graph.AddDependency(f.ID, f.Config.ThroughFieldID, 0)
		}
	case types.KindFormula:
		expr, err := s.parseFormula(f)
		if err != nil {
			return
		}
		s.mu.RLock()
		table := s.tables[f.TableID]
		fields, lookups := formula.References(expr)
		for _, ref := range fields {
			if dep, ok := table.FieldByName(ref.Name); ok {
				s.graph.AddDependency(f.ID, dep.ID, 0)
			} else {
				// Not resolvable yet: tombstone so a field of this name
				// appearing later heals the formula.
				s.graph.AddBrokenDependency(f.ID, table.ID, ref.Name, 0)
			}
		}
		for _, ref := range lookups {
			link, ok := table.FieldByName(ref.Link)
			if !ok || link.Kind != types.KindLinkRow {
				s.graph.AddBrokenDependency(f.ID, table.ID, ref.Link, 0)
				continue
			}
			s.graph.AddDependency(f.ID, link.ID, 0)
			if related, ok := s.tables[link.Config.LinkTableID]; ok && !related.Trashed {
				if target, ok := related.FieldByName(ref.Target); ok {
					s.graph.AddDependency(f.ID, target.ID, link.ID)
				} else {
					s.graph.AddBrokenDependency(f.ID, related.ID, ref.Target, link.ID)
				}
			}
		}
		s.mu.RUnlock()
	}
}

// deriveOutputType fills Config.OutputKind/OutputArray/ErrorText for
// derived fields. Scalar kinds are left untouched.
func (s *Store) deriveOutputType(table *schema.Table, f *schema.Field) {
	switch f.Kind {
	case types.KindLookup:
		f.Config.ErrorText = ""
		link, ok := table.FieldByID(f.Config.ThroughFieldID)
		if !ok || link.Kind != types.KindLinkRow {
			f.Config.ErrorText = fmt.Sprintf("references the deleted or unknown field %d", f.Config.ThroughFieldID)
			return
		}
		s.mu.RLock()
		related, relOK := s.tables[link.Config.LinkTableID]
		s.mu.RUnlock()
		if !relOK || related.Trashed {
			f.Config.ErrorText = fmt.Sprintf("references the deleted table %d", link.Config.LinkTableID)
			return
		}
		target := s.resolveLookupTarget(related, f)
		if target == nil {
			name := f.Config.TargetFieldName
			if name == "" {
				name = fmt.Sprintf("%d", f.Config.TargetFieldID)
			}
			f.Config.ErrorText = fmt.Sprintf("references the deleted or unknown field %s", name)
			return
		}
		f.Config.TargetFieldID = target.ID
		f.Config.TargetFieldName = target.Name
		kind, _ := outputTypeOf(target)
		f.Config.OutputKind = kind
		f.Config.OutputArray = true
	case types.KindCount:
		f.Config.ErrorText = ""
		f.Config.OutputKind = types.KindNumber
		f.Config.OutputArray = false
		if _, ok := table.FieldByID(f.Config.ThroughFieldID); !ok {
			f.Config.ErrorText = fmt.Sprintf("references the deleted or unknown field %d", f.Config.ThroughFieldID)
		}
	case types.KindFormula:
		f.Config.ErrorText = ""
		expr, err := s.parseFormula(f)
		if err != nil {
			f.Config.ErrorText = err.Error()
			return
		}
		t := formula.DeriveType(expr, &storeResolver{s: s, table: table})
		if t.IsInvalid() {
			f.Config.ErrorText = t.Err
			return
		}
		f.Config.OutputKind = t.Kind
		f.Config.OutputArray = t.Array
	}
}

// resolveLookupTarget finds the lookup's target field in the related table,
// by id first, then by retained name (the heal path).
func (s *Store) resolveLookupTarget(related *schema.Table, f *schema.Field) *schema.Field {
	if f.Config.TargetFieldID != 0 {
		if target, ok := related.FieldByID(f.Config.TargetFieldID); ok {
			return target
		}
	}
	if f.Config.TargetFieldName != "" {
		if target, ok := related.FieldByName(f.Config.TargetFieldName); ok {
			return target
		}
	}
	return nil
}

// outputTypeOf returns the value type a field produces when read.
func outputTypeOf(f *schema.Field) (types.FieldKind, bool) {
	if f.Kind.Derived() {
		return f.Config.OutputKind, f.Config.OutputArray
	}
	return f.Kind, false
}

// markFieldsBroken flips dependant fields into the invalid state. Their
// stored values are left alone; reads surface null while the schema carries
// the reason.
func (s *Store) markFieldsBroken(ctx context.Context, fieldIDs []int64, reason string) {
	for _, id := range fieldIDs {
		s.mu.RLock()
		field, table := s.findFieldLocked(id)
		s.mu.RUnlock()
		if field == nil {
			continue
		}
		s.mu.Lock()
		field.Config.ErrorText = reason
		s.mu.Unlock()
		if err := s.persistField(ctx, field); err != nil {
			log.Printf("store: persisting broken state of field %d: %v", id, err)
		}
		s.notifier.FieldValueUpdatedOrCreated(table.ID)
	}
}

// healFields re-derives and recomputes dependants whose broken reference
// was just repaired, then propagates the resulting value changes downstream.
func (s *Store) healFields(ctx context.Context, fieldIDs []int64) error {
	seeds := make(map[int64][]int64)
	for _, id := range fieldIDs {
		s.mu.RLock()
		field, table := s.findFieldLocked(id)
		s.mu.RUnlock()
		if field == nil {
			continue
		}
		s.graph.ClearDependenciesOf(id)
		s.deriveOutputType(table, field)
		s.registerDependencies(field)
		if err := s.persistField(ctx, field); err != nil {
			return err
		}
		if field.Config.ErrorText != "" {
			continue
		}
		changed, err := s.recomputeFieldAllRows(ctx, table, field)
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			seeds[id] = changed
		}
		s.notifier.FieldValueUpdatedOrCreated(table.ID)
	}
	if len(seeds) > 0 {
		return s.propagateFrom(ctx, seeds)
	}
	return nil
}

// findFieldLocked locates a live field by id across all tables. Caller
// holds s.mu.
func (s *Store) findFieldLocked(fieldID int64) (*schema.Field, *schema.Table) {
	for _, t := range s.tables {
		if f, ok := t.FieldByID(fieldID); ok {
			return f, t
		}
	}
	return nil, nil
}

// coerceFieldValues re-checks a retyped field's stored values: entries whose
// representation no longer matches the kind degrade to null.
func (s *Store) coerceFieldValues(ctx context.Context, table *schema.Table, f *schema.Field) ([]int64, error) {
	s.mu.RLock()
	rs := s.rows[table.ID]
	s.mu.RUnlock()

	var changed []*Row
	var changedIDs []int64
	for _, r := range rs.order {
		if r.Trashed {
			continue
		}
		old, ok := r.Values[f.ID]
		if !ok || old.Kind == types.ValueNull {
			continue
		}
		coerced := coerceValue(f.Kind, old)
		if !types.Equal(f.Kind, old, coerced) {
			s.mu.Lock()
			r.Values[f.ID] = coerced
			s.mu.Unlock()
			changed = append(changed, r)
			changedIDs = append(changedIDs, r.ID)
		}
	}
	if err := s.persistRows(ctx, table.ID, changed); err != nil {
		return nil, err
	}
	return changedIDs, nil
}

func configEqual(a, b schema.FieldConfig) bool {
	return reflect.DeepEqual(a, b)
}

// coerceValue degrades a value that does not fit its field kind to null.
// The paste path already produces typed values; this guards retyping.
func coerceValue(kind types.FieldKind, v types.Value) types.Value {
	if v.Kind == types.ValueNull || v.Kind == types.ValueInvalid {
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
	case types.KindLinkRow:
		if v.Kind == types.ValueRows {
			return v
		}
	}
	return types.Null()
}
