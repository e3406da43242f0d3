package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// catalogSchemaSQL creates the metadata tables. Row data lives in per-table
// rows_<id> tables created on demand.
func catalogSchemaSQL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tables (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			trashed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS fields (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			config BLOB NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			read_only INTEGER NOT NULL DEFAULT 0,
			immutable INTEGER NOT NULL DEFAULT 0,
			unique_primary INTEGER NOT NULL DEFAULT 0,
			position INTEGER NOT NULL DEFAULT 0,
			trashed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fields_table ON fields(table_id)`,
		`CREATE TABLE IF NOT EXISTS data_syncs (
			id TEXT PRIMARY KEY,
			table_id INTEGER NOT NULL,
			source_type TEXT NOT NULL,
			config BLOB,
			auto_add_new INTEGER NOT NULL DEFAULT 1,
			two_way INTEGER NOT NULL DEFAULT 0,
			last_sync TEXT,
			last_error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS synced_properties (
			data_sync_id TEXT NOT NULL,
			key TEXT NOT NULL,
			field_id INTEGER NOT NULL,
			unique_primary INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (data_sync_id, key)
		)`,
	}
}

// catalog wraps the SQLite persistence layer: a single-writer WAL connection
// for mutations and a read-only pool for queries.
type catalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

func openCatalog(dbPath string) (*catalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &catalog{db: db, readDB: readDB, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *catalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stmt := range catalogSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (c *catalog) Close() error {
	if err := c.db.Close(); err != nil {
		c.readDB.Close()
		return err
	}
	return c.readDB.Close()
}

func rowsTableName(tableID int64) string {
	return fmt.Sprintf("rows_%d", tableID)
}

func (c *catalog) createRowsTable(ctx context.Context, tableID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_key TEXT NOT NULL,
		trashed INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL
	)`, rowsTableName(tableID))
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: creating rows table for table %d: %w", tableID, err)
	}
	return nil
}

func (c *catalog) dropRowsTable(ctx context.Context, tableID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+rowsTableName(tableID)); err != nil {
		return fmt.Errorf("store: dropping rows table for table %d: %w", tableID, err)
	}
	return nil
}

// --- table metadata ---

func (c *catalog) insertTable(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.ExecContext(ctx, "INSERT INTO tables (name) VALUES (?)", name)
	if err != nil {
		return 0, fmt.Errorf("store: inserting table %q: %w", name, err)
	}
	return res.LastInsertId()
}

func (c *catalog) setTableTrashed(ctx context.Context, tableID int64, trashed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "UPDATE tables SET trashed = ? WHERE id = ?", boolToInt(trashed), tableID)
	return err
}

func (c *catalog) deleteTable(ctx context.Context, tableID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM fields WHERE table_id = ?", tableID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tables WHERE id = ?", tableID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- field metadata ---

func (c *catalog) insertField(ctx context.Context, f *schema.Field, position int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	config, err := json.Marshal(f.Config)
	if err != nil {
		return 0, fmt.Errorf("store: encoding field config: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO fields (table_id, name, kind, config, is_primary, read_only, immutable, unique_primary, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.TableID, f.Name, string(f.Kind), config,
		boolToInt(f.Primary), boolToInt(f.ReadOnly), boolToInt(f.Immutable),
		boolToInt(f.UniquePrimary), position)
	if err != nil {
		return 0, fmt.Errorf("store: inserting field %q: %w", f.Name, err)
	}
	return res.LastInsertId()
}

func (c *catalog) updateField(ctx context.Context, f *schema.Field) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	config, err := json.Marshal(f.Config)
	if err != nil {
		return fmt.Errorf("store: encoding field config: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE fields SET name = ?, kind = ?, config = ?, is_primary = ?, read_only = ?, immutable = ?, unique_primary = ?
		WHERE id = ?`,
		f.Name, string(f.Kind), config,
		boolToInt(f.Primary), boolToInt(f.ReadOnly), boolToInt(f.Immutable),
		boolToInt(f.UniquePrimary), f.ID)
	return err
}

func (c *catalog) setFieldTrashed(ctx context.Context, fieldID int64, trashed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "UPDATE fields SET trashed = ? WHERE id = ?", boolToInt(trashed), fieldID)
	return err
}

func (c *catalog) deleteField(ctx context.Context, fieldID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, "DELETE FROM fields WHERE id = ?", fieldID)
	return err
}

// loadSchema reads all table and field metadata, trashed entries included.
func (c *catalog) loadSchema(ctx context.Context) (map[int64]*schema.Table, map[int64]schema.Field, error) {
	tables := make(map[int64]*schema.Table)

	rows, err := c.readDB.QueryContext(ctx, "SELECT id, name, trashed FROM tables")
	if err != nil {
		return nil, nil, fmt.Errorf("store: loading tables: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t schema.Table
		var trashed int
		if err := rows.Scan(&t.ID, &t.Name, &trashed); err != nil {
			return nil, nil, err
		}
		t.Trashed = trashed != 0
		tables[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	trashedFields := make(map[int64]schema.Field)
	frows, err := c.readDB.QueryContext(ctx, `
		SELECT id, table_id, name, kind, config, is_primary, read_only, immutable, unique_primary, trashed
		FROM fields ORDER BY table_id, position, id`)
	if err != nil {
		return nil, nil, fmt.Errorf("store: loading fields: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f schema.Field
		var kind string
		var config []byte
		var primary, readOnly, immutable, uniquePrimary, trashed int
		if err := frows.Scan(&f.ID, &f.TableID, &f.Name, &kind, &config,
			&primary, &readOnly, &immutable, &uniquePrimary, &trashed); err != nil {
			return nil, nil, err
		}
		f.Kind = types.FieldKind(kind)
		if err := json.Unmarshal(config, &f.Config); err != nil {
			return nil, nil, fmt.Errorf("store: decoding config of field %d: %w", f.ID, err)
		}
		f.Primary = primary != 0
		f.ReadOnly = readOnly != 0
		f.Immutable = immutable != 0
		f.UniquePrimary = uniquePrimary != 0
		if trashed != 0 {
			trashedFields[f.ID] = f
			continue
		}
		if t, ok := tables[f.TableID]; ok {
			t.Fields = append(t.Fields, f)
		}
	}
	if err := frows.Err(); err != nil {
		return nil, nil, err
	}
	return tables, trashedFields, nil
}

// --- row persistence ---

func (c *catalog) insertRow(ctx context.Context, tx *sql.Tx, tableID int64, r *Row) (int64, error) {
	payload, err := encodePayload(r.Values)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (order_key, trashed, payload) VALUES (?, ?, ?)", rowsTableName(tableID)),
		r.Order.String(), boolToInt(r.Trashed), payload)
	if err != nil {
		return 0, fmt.Errorf("store: inserting row into table %d: %w", tableID, err)
	}
	return res.LastInsertId()
}

func (c *catalog) updateRow(ctx context.Context, tx *sql.Tx, tableID int64, r *Row) error {
	payload, err := encodePayload(r.Values)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET order_key = ?, trashed = ?, payload = ? WHERE row_id = ?", rowsTableName(tableID)),
		r.Order.String(), boolToInt(r.Trashed), payload, r.ID)
	if err != nil {
		return fmt.Errorf("store: updating row %d in table %d: %w", r.ID, tableID, err)
	}
	return nil
}

func (c *catalog) deleteRow(ctx context.Context, tx *sql.Tx, tableID, rowID int64) error {
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE row_id = ?", rowsTableName(tableID)), rowID)
	if err != nil {
		return fmt.Errorf("store: deleting row %d from table %d: %w", rowID, tableID, err)
	}
	return nil
}

// loadRows reads all rows of a table into memory, trashed rows included.
func (c *catalog) loadRows(ctx context.Context, tableID int64) ([]*Row, error) {
	rows, err := c.readDB.QueryContext(ctx,
		fmt.Sprintf("SELECT row_id, order_key, trashed, payload FROM %s ORDER BY order_key", rowsTableName(tableID)))
	if err != nil {
		return nil, fmt.Errorf("store: loading rows of table %d: %w", tableID, err)
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		var r Row
		var orderKey string
		var trashed int
		var payload []byte
		if err := rows.Scan(&r.ID, &orderKey, &trashed, &payload); err != nil {
			return nil, err
		}
		key, err := types.ParseOrderKey(orderKey)
		if err != nil {
			return nil, fmt.Errorf("store: row %d of table %d: %w", r.ID, tableID, err)
		}
		r.Order = key
		r.Trashed = trashed != 0
		r.Values, err = decodePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("store: row %d of table %d: %w", r.ID, tableID, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// withWriteTx runs fn inside a transaction on the write connection.
func (c *catalog) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
