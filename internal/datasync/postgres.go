package datasync

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/gridrow/gridrow/internal/errors"
	"github.com/gridrow/gridrow/pkg/types"
)

// PostgresSource syncs from a Postgres table or an arbitrary read query.
// Config keys: dsn, table or query (one of the two), primary_column.
type PostgresSource struct {
	dsn           string
	query         string
	primaryColumn string
}

// NewPostgresSource validates the config; the connection is opened per
// call so a stale sync definition does not pin a pool.
func NewPostgresSource(cfg map[string]string) (Source, error) {
	dsn := cfg["dsn"]
	if dsn == "" {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "postgres source needs a dsn", nil)
	}
	primary := cfg["primary_column"]
	if primary == "" {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "postgres source needs a primary_column", nil)
	}
	query := cfg["query"]
	if query == "" {
		table := cfg["table"]
		if table == "" {
			return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "postgres source needs a table or a query", nil)
		}
		query = fmt.Sprintf("SELECT * FROM %s", pq.QuoteIdentifier(table))
	}
	return &PostgresSource{dsn: dsn, query: query, primaryColumn: primary}, nil
}

func (s *PostgresSource) Type() string { return "postgres" }

func (s *PostgresSource) open() (*sql.DB, error) {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable, "opening postgres connection", err)
	}
	return db, nil
}

// Properties inspects the result shape of the configured query without
// fetching any rows.
func (s *PostgresSource) Properties(ctx context.Context) ([]Property, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM (%s) q LIMIT 0", s.query))
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable, "describing source query", err)
	}
	defer rows.Close()
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "reading source column types", err)
	}

	props := make([]Property, 0, len(cols))
	foundPrimary := false
	for _, c := range cols {
		p := Property{
			Key:  c.Name(),
			Name: c.Name(),
			Kind: kindForPostgresType(c.DatabaseTypeName()),
		}
		if p.Kind == types.KindNumber {
			// NUMERIC(p,s) carries its scale into the field config.
			if _, scale, ok := c.DecimalSize(); ok && scale > 0 {
				p.Config.DecimalPlaces = int(scale)
			}
		}
		if c.Name() == s.primaryColumn {
			p.UniquePrimary = true
			foundPrimary = true
		}
		props = append(props, p)
	}
	if !foundPrimary {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload,
			fmt.Sprintf("primary_column %q is not in the result set", s.primaryColumn), nil)
	}
	// Identity column first so it becomes the table's primary field.
	for i, p := range props {
		if p.UniquePrimary && i > 0 {
			props[0], props[i] = props[i], props[0]
			break
		}
	}
	return props, rows.Err()
}

func (s *PostgresSource) AllRows(ctx context.Context) ([]SourceRow, error) {
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable, "running source query", err)
	}
	defer rows.Close()
	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "reading source column types", err)
	}

	var out []SourceRow
	scan := make([]any, len(cols))
	for rows.Next() {
		for i := range scan {
			scan[i] = new(any)
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, errors.NewSyncError(errors.CodeBadSourcePayload, "scanning source row", err)
		}
		row := make(SourceRow, len(cols))
		for i, c := range cols {
			row[c.Name()] = postgresValue(kindForPostgresType(c.DatabaseTypeName()), *scan[i].(*any))
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewSyncError(errors.CodeSourceUnreachable, "reading source rows", err)
	}
	return out, nil
}

func kindForPostgresType(dbType string) types.FieldKind {
	switch strings.ToUpper(dbType) {
	case "INT2", "INT4", "INT8", "FLOAT4", "FLOAT8", "NUMERIC", "DECIMAL":
		return types.KindNumber
	case "BOOL":
		return types.KindBoolean
	case "DATE", "TIMESTAMP", "TIMESTAMPTZ":
		return types.KindDate
	case "TEXT", "VARCHAR", "BPCHAR", "UUID":
		return types.KindText
	default:
		return types.KindText
	}
}

// postgresValue converts a scanned driver value into the field kind's
// value, degrading anything unexpected to null.
func postgresValue(kind types.FieldKind, raw any) types.Value {
	if raw == nil {
		return types.Null()
	}
	switch kind {
	case types.KindNumber:
		switch n := raw.(type) {
		case int64:
			return types.Number(float64(n))
		case float64:
			return types.Number(n)
		case []byte:
			var f float64
			if _, err := fmt.Sscanf(string(n), "%g", &f); err == nil {
				return types.Number(f)
			}
		}
	case types.KindBoolean:
		if b, ok := raw.(bool); ok {
			return types.Boolean(b)
		}
	case types.KindDate:
		if t, ok := raw.(time.Time); ok {
			return types.Date(t.UTC())
		}
	default:
		switch s := raw.(type) {
		case string:
			return types.String(s)
		case []byte:
			return types.String(string(s))
		case int64:
			return types.String(fmt.Sprintf("%d", s))
		case float64:
			return types.String(fmt.Sprintf("%g", s))
		case time.Time:
			return types.String(s.UTC().Format(time.RFC3339))
		case bool:
			return types.String(fmt.Sprintf("%t", s))
		}
	}
	return types.Null()
}
