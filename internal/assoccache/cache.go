// Package assoccache memoizes resolved associations for one unit of work.
package assoccache

import (
	"errors"
	"sync"
	"sync/atomic"

	"lazybatch/internal/schema"
)

// ErrAlreadyResolved is returned by Put when the entry is already populated.
var ErrAlreadyResolved = errors.New("association already resolved")

type entryKey struct {
	owner schema.EntityRef
	assoc string
}

// Cache maps (owner, association) to the resolved children. Entries are
// immutable once populated and are never evicted; the whole cache is
// released with its unit of work.
type Cache struct {
	mu      sync.RWMutex
	entries map[entryKey][]*schema.Entity
	hits    int64
	misses  int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[entryKey][]*schema.Entity)}
}

// Get returns the resolved children of owner through assoc.
func (c *Cache) Get(owner schema.EntityRef, assoc *schema.Association) ([]*schema.Entity, bool) {
	c.mu.RLock()
	children, ok := c.entries[entryKey{owner: owner, assoc: assoc.ID()}]
	c.mu.RUnlock()

	if ok {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return children, ok
}

// Put populates the entry of owner through assoc. A nil children slice is
// stored as an empty collection.
func (c *Cache) Put(owner schema.EntityRef, assoc *schema.Association, children []*schema.Entity) error {
	if children == nil {
		children = []*schema.Entity{}
	}
	key := entryKey{owner: owner, assoc: assoc.ID()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		return ErrAlreadyResolved
	}
	c.entries[key] = children
	return nil
}

// Peek returns the entry like Get without touching the hit counters.
func (c *Cache) Peek(owner schema.EntityRef, assoc *schema.Association) ([]*schema.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	children, ok := c.entries[entryKey{owner: owner, assoc: assoc.ID()}]
	return children, ok
}

// Has reports whether the entry is populated without touching the hit counters.
func (c *Cache) Has(owner schema.EntityRef, assoc *schema.Association) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[entryKey{owner: owner, assoc: assoc.ID()}]
	return ok
}

// Len returns the number of populated entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Hits returns the number of Get calls that found an entry.
func (c *Cache) Hits() int64 {
	return atomic.LoadInt64(&c.hits)
}

// Misses returns the number of Get calls that found nothing.
func (c *Cache) Misses() int64 {
	return atomic.LoadInt64(&c.misses)
}
