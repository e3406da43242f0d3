package datasync

import (
	"sync"
	"time"
)

// lockTable is an in-process acquire-if-absent lock keyed by data-sync id.
// An entry that outlives its TTL counts as free, so a crashed run can never
// wedge a sync forever.
type lockTable struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]time.Time)}
}

// acquire takes the lock for key when it is free or expired. There is no
// queueing: a caller that loses simply fails.
func (l *lockTable) acquire(key string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return false
	}
	l.held[key] = now.Add(ttl)
	return true
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
