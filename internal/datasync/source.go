// Package datasync pulls rows from external sources into read-only synced
// tables: schema reconciliation, identity-keyed diffing, and mutually
// exclusive sync runs with a TTL lock.
package datasync

import (
	"context"
	"sync"

	"github.com/gridrow/gridrow/internal/schema"
	"github.com/gridrow/gridrow/pkg/types"
)

// Property is one column a source exposes. At least one property of every
// source must be flagged UniquePrimary; it identifies rows across runs.
// Config carries the per-kind field configuration (decimal places, date
// format) the source prescribes for the synced field.
type Property struct {
	Key           string
	Name          string
	Kind          types.FieldKind
	Config        schema.FieldConfig
	UniquePrimary bool
}

// SourceRow is one upstream row, keyed by property key.
type SourceRow map[string]types.Value

// Source is an external system rows are pulled from. Both methods return
// SYNC-category errors for user-facing failures (unreachable host, garbage
// payload); anything else is treated as unexpected.
type Source interface {
	// Type identifies the source implementation ("postgresql", "ical", …).
	Type() string

	// Properties returns the columns the source exposes.
	Properties(ctx context.Context) ([]Property, error)

	// AllRows fetches the full upstream row set. Sync is full-state
	// reconciliation, never incremental.
	AllRows(ctx context.Context) ([]SourceRow, error)
}

// SourceFactory builds a source from its persisted configuration.
type SourceFactory func(config map[string]string) (Source, error)

// MemorySource is an in-memory source used by tests and as the reference
// Source implementation.
type MemorySource struct {
	SourceType string
	Props      []Property

	mu   sync.Mutex
	rows []SourceRow
}

// NewMemorySource creates a memory source with a fixed property set.
func NewMemorySource(props []Property) *MemorySource {
	return &MemorySource{SourceType: "memory", Props: props}
}

func (m *MemorySource) Type() string {
	if m.SourceType == "" {
		return "memory"
	}
	return m.SourceType
}

func (m *MemorySource) Properties(ctx context.Context) ([]Property, error) {
	return append([]Property(nil), m.Props...), nil
}

func (m *MemorySource) AllRows(ctx context.Context) ([]SourceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SourceRow, len(m.rows))
	for i, r := range m.rows {
		row := make(SourceRow, len(r))
		for k, v := range r {
			row[k] = v
		}
		out[i] = row
	}
	return out, nil
}

// SetRows replaces the upstream state.
func (m *MemorySource) SetRows(rows []SourceRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = rows
}
