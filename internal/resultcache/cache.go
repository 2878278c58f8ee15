// Package resultcache provides the optional cache backend consulted across
// units of work before a bulk fetch goes to storage.
package resultcache

import (
	"context"
	"time"
)

// Backend is a keyed store with per-entry TTL. Implementations must be safe
// for concurrent use. A miss always falls through to storage.
type Backend interface {
	// Get returns the value and true if present and not expired.
	Get(ctx context.Context, key string) (interface{}, bool)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Stats holds backend statistics.
type Stats struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
}

// HitRate returns the hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total)
}
