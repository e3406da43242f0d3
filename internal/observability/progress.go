// Package observability provides progress reporting for long-running jobs
// and engine counters for monitoring.
package observability

import "sync/atomic"

// Progress receives coarse checkpoint updates from long-running operations
// (sync runs, imports). Implementations must tolerate being called from a
// single goroutine only.
type Progress interface {
	// Increment advances the progress by the given amount and labels the
	// current state ("download", "convert", "apply").
	Increment(by int, state string)
}

// NoopProgress discards progress updates.
type NoopProgress struct{}

// Increment implements Progress.
func (NoopProgress) Increment(by int, state string) {}

// ProgressFunc adapts a function to the Progress interface.
type ProgressFunc func(by int, state string)

// Increment implements Progress.
func (f ProgressFunc) Increment(by int, state string) { f(by, state) }

// Counters holds engine statistics for observability.
type Counters struct {
	RowsCreated       atomic.Int64
	RowsUpdated       atomic.Int64
	RowsDeleted       atomic.Int64
	SyncRuns          atomic.Int64
	SyncFailures      atomic.Int64
	PropagationSteps  atomic.Int64
	RenumberedTables  atomic.Int64
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"rows_created":      c.RowsCreated.Load(),
		"rows_updated":      c.RowsUpdated.Load(),
		"rows_deleted":      c.RowsDeleted.Load(),
		"sync_runs":         c.SyncRuns.Load(),
		"sync_failures":     c.SyncFailures.Load(),
		"propagation_steps": c.PropagationSteps.Load(),
		"renumbered_tables": c.RenumberedTables.Load(),
	}
}
