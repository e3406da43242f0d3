// Package index provides the search-index notification hook. The engine
// notifies the index after each batch of row mutations; the index itself is
// an external concern, so the default implementation only keeps an in-memory
// term map used by tests and the CLI.
package index

import (
	"log"
	"strings"
	"sync"
)

// Notifier is told when a table's field values changed so a search index can
// reindex. Implementations must be safe for concurrent use.
type Notifier interface {
	FieldValueUpdatedOrCreated(tableID int64)
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

// FieldValueUpdatedOrCreated implements Notifier.
func (NoopNotifier) FieldValueUpdatedOrCreated(tableID int64) {}

// MemoryIndex is a naive in-process term index: it records which tables are
// dirty and serves prefix-free substring matches over terms fed to it.
type MemoryIndex struct {
	mu    sync.RWMutex
	dirty map[int64]int64 // tableID -> notification count
	terms map[int64][]string
}

// NewMemoryIndex creates an empty memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		dirty: make(map[int64]int64),
		terms: make(map[int64][]string),
	}
}

// FieldValueUpdatedOrCreated implements Notifier.
func (m *MemoryIndex) FieldValueUpdatedOrCreated(tableID int64) {
	m.mu.Lock()
	m.dirty[tableID]++
	m.mu.Unlock()
	log.Printf("index: table %d marked dirty", tableID)
}

// Notifications returns how often a table was marked dirty.
func (m *MemoryIndex) Notifications(tableID int64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty[tableID]
}

// Reindex replaces the stored terms for a table.
func (m *MemoryIndex) Reindex(tableID int64, terms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terms[tableID] = append([]string(nil), terms...)
	delete(m.dirty, tableID)
}

// Match reports whether any stored term of the table contains the search
// term, case insensitively.
func (m *MemoryIndex) Match(tableID int64, term string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	needle := strings.ToLower(term)
	for _, t := range m.terms[tableID] {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}
