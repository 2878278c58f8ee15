// Package naming derives association names from foreign key metadata,
// including pluralization, column collisions and explicit overrides.
package naming

// Config holds naming customization options
type Config struct {
	// PluralOverrides maps singular -> custom plural
	// Example: {"person": "people", "status": "statuses"}
	PluralOverrides map[string]string `mapstructure:"plural_overrides"`

	// SingularOverrides maps plural -> custom singular
	// Example: {"people": "person", "data": "datum"}
	SingularOverrides map[string]string `mapstructure:"singular_overrides"`

	// AssociationOverrides renames derived associations per owner table:
	// owner -> derived name -> final name.
	// Example: {"posts": {"created_by_user": "creator"}}
	AssociationOverrides map[string]map[string]string `mapstructure:"association_overrides"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PluralOverrides:      make(map[string]string),
		SingularOverrides:    make(map[string]string),
		AssociationOverrides: make(map[string]map[string]string),
	}
}
