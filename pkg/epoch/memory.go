package epoch

import (
	"context"
	"sync"
)

type counterKey struct {
	tenantID int64
	userID   int64
}

// MemoryCounter is an in-process Source. Memory stores bump it while holding their
// own write lock so the mutation and the bump are observed together.
type MemoryCounter struct {
	mu       sync.RWMutex
	counters map[counterKey]int64
}

// NewMemoryCounter creates an empty counter set
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counters: make(map[counterKey]int64)}
}

// BumpGlobal increments the global counter
func (c *MemoryCounter) BumpGlobal() {
	c.Bump(GlobalTenant, 0)
}

// BumpTenant increments the tenant-wide counter
func (c *MemoryCounter) BumpTenant(tenantID int64) {
	c.Bump(tenantID, 0)
}

// Bump increments the counter for (tenantID, userID)
func (c *MemoryCounter) Bump(tenantID, userID int64) {
	c.mu.Lock()
	c.counters[counterKey{tenantID, userID}]++
	c.mu.Unlock()
}

// Current implements Source
func (c *MemoryCounter) Current(_ context.Context, tenantID, userID int64) (Stamp, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stamp{
		Global: c.counters[counterKey{GlobalTenant, 0}],
		Tenant: c.counters[counterKey{tenantID, 0}],
		User:   c.counters[counterKey{tenantID, userID}],
	}, nil
}
