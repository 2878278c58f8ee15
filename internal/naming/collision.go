package naming

import (
	"fmt"
	"log/slog"
)

// CollisionResolver tracks the names registered on each owner type and
// resolves collisions with numeric suffixes.
type CollisionResolver struct {
	seen   map[string]map[string]string // owner → name → source
	logger *slog.Logger
}

// NewCollisionResolver creates a new collision resolver.
func NewCollisionResolver(logger *slog.Logger) *CollisionResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollisionResolver{
		seen:   make(map[string]map[string]string),
		logger: logger,
	}
}

// Exists reports whether name is already registered on owner.
func (c *CollisionResolver) Exists(owner, name string) bool {
	_, ok := c.seen[owner][name]
	return ok
}

// Register registers name on owner and returns the resolved name. On a
// collision it applies the next free numeric suffix and logs a warning.
func (c *CollisionResolver) Register(owner, name, source string) string {
	names, ok := c.seen[owner]
	if !ok {
		names = make(map[string]string)
		c.seen[owner] = names
	}
	if _, exists := names[name]; !exists {
		names[name] = source
		return name
	}

	c.logger.Warn("naming collision detected, applying suffix",
		slog.String("owner", owner),
		slog.String("name", name),
		slog.String("existing_source", names[name]),
		slog.String("new_source", source),
	)
	for i := 2; ; i++ {
		suffixed := fmt.Sprintf("%s_%d", name, i)
		if _, exists := names[suffixed]; !exists {
			names[suffixed] = source
			return suffixed
		}
	}
}
