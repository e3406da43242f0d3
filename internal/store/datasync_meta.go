package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridrow/gridrow/internal/errors"
)

// SyncedProperty binds one source property key to the field it feeds.
type SyncedProperty struct {
	Key           string
	FieldID       int64
	UniquePrimary bool
}

// DataSyncRecord is the persisted definition and run state of one data
// sync.
type DataSyncRecord struct {
	ID         string
	TableID    int64
	SourceType string
	Config     map[string]string
	AutoAddNew bool
	TwoWay     bool
	LastSync   time.Time
	LastError  string
	Properties []SyncedProperty
}

// SaveDataSync inserts or replaces a data-sync record with its property
// bindings.
func (s *Store) SaveDataSync(ctx context.Context, rec *DataSyncRecord) error {
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "encoding data sync config", err)
	}
	var lastSync interface{}
	if !rec.LastSync.IsZero() {
		lastSync = rec.LastSync.UTC().Format(time.RFC3339)
	}
	err = s.cat.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO data_syncs (id, table_id, source_type, config, auto_add_new, two_way, last_sync, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.TableID, rec.SourceType, config,
			boolToInt(rec.AutoAddNew), boolToInt(rec.TwoWay), lastSync, rec.LastError); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM synced_properties WHERE data_sync_id = ?", rec.ID); err != nil {
			return err
		}
		for _, p := range rec.Properties {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO synced_properties (data_sync_id, key, field_id, unique_primary)
				VALUES (?, ?, ?, ?)`,
				rec.ID, p.Key, p.FieldID, boolToInt(p.UniquePrimary)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "saving data sync", err)
	}
	return nil
}

// DataSync loads one data-sync record by id.
func (s *Store) DataSync(ctx context.Context, id string) (*DataSyncRecord, error) {
	return s.dataSyncByID(ctx, id)
}

// DataSyncForTable loads the data-sync record bound to a table, or a
// not-found reference error.
func (s *Store) DataSyncForTable(ctx context.Context, tableID int64) (*DataSyncRecord, error) {
	row := s.cat.readDB.QueryRowContext(ctx, `
		SELECT id, table_id, source_type, config, auto_add_new, two_way, last_sync, last_error
		FROM data_syncs WHERE table_id = ?`, tableID)
	rec, err := scanDataSync(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewReferenceError(errors.CodeTableNotFound,
			fmt.Sprintf("table %d has no data sync", tableID))
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "loading data sync", err)
	}
	if err := s.loadSyncedProperties(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DataSyncs loads every data-sync record.
func (s *Store) DataSyncs(ctx context.Context) ([]*DataSyncRecord, error) {
	rows, err := s.cat.readDB.QueryContext(ctx, `
		SELECT id, table_id, source_type, config, auto_add_new, two_way, last_sync, last_error
		FROM data_syncs ORDER BY table_id`)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "loading data syncs", err)
	}
	defer rows.Close()
	var out []*DataSyncRecord
	for rows.Next() {
		rec, err := scanDataSync(rows)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeReadFailed, "loading data syncs", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "loading data syncs", err)
	}
	for _, rec := range out {
		if err := s.loadSyncedProperties(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteDataSync removes a data-sync record and releases the read-only and
// unique-primary markers on the fields it managed.
func (s *Store) DeleteDataSync(ctx context.Context, id string) error {
	rec, err := s.dataSyncByID(ctx, id)
	if err != nil {
		return err
	}
	err = s.cat.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM synced_properties WHERE data_sync_id = ?", id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM data_syncs WHERE id = ?", id)
		return err
	})
	if err != nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "deleting data sync", err)
	}

	s.mu.RLock()
	table, tErr := s.tableLocked(rec.TableID)
	s.mu.RUnlock()
	if tErr != nil {
		return nil
	}
	for _, p := range rec.Properties {
		if f, ok := table.FieldByID(p.FieldID); ok {
			f.ReadOnly = false
			f.Immutable = false
			f.UniquePrimary = false
			if err := s.persistField(ctx, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) dataSyncByID(ctx context.Context, id string) (*DataSyncRecord, error) {
	row := s.cat.readDB.QueryRowContext(ctx, `
		SELECT id, table_id, source_type, config, auto_add_new, two_way, last_sync, last_error
		FROM data_syncs WHERE id = ?`, id)
	rec, err := scanDataSync(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewReferenceError(errors.CodeTableNotFound,
			fmt.Sprintf("data sync %s does not exist", id))
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "loading data sync", err)
	}
	if err := s.loadSyncedProperties(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadSyncedProperties(ctx context.Context, rec *DataSyncRecord) error {
	rows, err := s.cat.readDB.QueryContext(ctx,
		"SELECT key, field_id, unique_primary FROM synced_properties WHERE data_sync_id = ? ORDER BY key", rec.ID)
	if err != nil {
		return errors.NewStorageError(errors.CodeReadFailed, "loading synced properties", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p SyncedProperty
		var unique int
		if err := rows.Scan(&p.Key, &p.FieldID, &unique); err != nil {
			return errors.NewStorageError(errors.CodeReadFailed, "loading synced properties", err)
		}
		p.UniquePrimary = unique != 0
		rec.Properties = append(rec.Properties, p)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDataSync(sc rowScanner) (*DataSyncRecord, error) {
	var rec DataSyncRecord
	var config []byte
	var autoAdd, twoWay int
	var lastSync, lastError sql.NullString
	if err := sc.Scan(&rec.ID, &rec.TableID, &rec.SourceType, &config,
		&autoAdd, &twoWay, &lastSync, &lastError); err != nil {
		return nil, err
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &rec.Config); err != nil {
			return nil, err
		}
	}
	rec.AutoAddNew = autoAdd != 0
	rec.TwoWay = twoWay != 0
	if lastSync.Valid && lastSync.String != "" {
		if t, err := time.Parse(time.RFC3339, lastSync.String); err == nil {
			rec.LastSync = t
		}
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	return &rec, nil
}

// tableHasDataSync reports whether any data sync is bound to the table.
func (c *catalog) tableHasDataSync(ctx context.Context, tableID int64) (bool, error) {
	var n int
	if err := c.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM data_syncs WHERE table_id = ?", tableID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
