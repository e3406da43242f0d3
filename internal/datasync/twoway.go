package datasync

import (
	"context"
	"log"

	"github.com/gridrow/gridrow/internal/store"
	"github.com/gridrow/gridrow/pkg/types"
)

// Pusher forwards user edits on a two-way synced table back to the source.
// Values are keyed by the source property key, with the identity values
// always included so the source can address the row.
type Pusher interface {
	PushRows(ctx context.Context, rec *store.DataSyncRecord, op string, rows []map[string]types.Value) error
}

// RegisterPusher installs the push half of a source type. Two-way syncs
// whose source type has no pusher log and drop user edits.
func (e *Engine) RegisterPusher(sourceType string, p Pusher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushers[sourceType] = p
}

// RowsMutated implements store.MutationListener. Edits made by the sync
// engine itself carry the sync-originated flag and are not echoed back.
func (e *Engine) RowsMutated(tableID int64, op string, rowIDs []int64, syncOriginated bool) {
	if syncOriginated {
		return
	}
	ctx := context.Background()
	rec, err := e.store.DataSyncForTable(ctx, tableID)
	if err != nil {
		return // not a synced table
	}
	if !rec.TwoWay {
		return
	}
	e.mu.RLock()
	pusher, ok := e.pushers[rec.SourceType]
	e.mu.RUnlock()
	if !ok {
		log.Printf("datasync: sync %s is two-way but source %s has no pusher, dropping %s of %d rows",
			rec.ID, rec.SourceType, op, len(rowIDs))
		return
	}

	// Snapshot values before handing off; the rows may change again or be
	// gone by the time the push runs.
	table, err := e.store.Table(tableID)
	if err != nil {
		return
	}
	var rows []map[string]types.Value
	for _, rowID := range rowIDs {
		row, err := e.store.Row(tableID, rowID)
		if err != nil {
			continue
		}
		values := make(map[string]types.Value, len(rec.Properties))
		for _, p := range rec.Properties {
			if f, ok := table.FieldByID(p.FieldID); ok {
				values[p.Key] = row.Value(f.ID)
			}
		}
		rows = append(rows, values)
	}
	if len(rows) == 0 {
		return
	}

	e.pushWG.Add(1)
	go func() {
		defer e.pushWG.Done()
		if err := pusher.PushRows(context.Background(), rec, op, rows); err != nil {
			log.Printf("datasync: pushing %s of %d rows for sync %s: %v", op, len(rows), rec.ID, err)
		}
	}()
}
