package naming

import (
	"log/slog"
	"strings"

	"github.com/jinzhu/inflection"
)

// reservedPrefix is used by the planner for result column aliases.
const reservedPrefix = "__"

// Namer turns foreign keys into association names. Names stay in the
// snake_case of the underlying columns and tables.
type Namer struct {
	config   Config
	logger   *slog.Logger
	resolver *CollisionResolver
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Namer{
		config:   cfg,
		logger:   logger,
		resolver: NewCollisionResolver(logger),
	}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// Reset clears the collision state so the namer can be reused for a new
// schema build.
func (n *Namer) Reset() {
	n.resolver = NewCollisionResolver(n.logger)
}

// Pluralize converts a singular word to its plural form, honoring overrides.
func (n *Namer) Pluralize(word string) string {
	if override, ok := n.config.PluralOverrides[word]; ok {
		return override
	}
	return inflection.Plural(word)
}

// Singularize converts a plural word to its singular form, honoring overrides.
func (n *Namer) Singularize(word string) string {
	if override, ok := n.config.SingularOverrides[word]; ok {
		return override
	}
	return inflection.Singular(word)
}

// ManyToOneName names the association from the FK holder to the referenced
// table. A single FK column is used with its _id or _fk suffix stripped;
// composite keys use the singular referenced table.
// Example: ["author_id"] -> "author", ["created_by_user_id"] -> "created_by_user"
func (n *Namer) ManyToOneName(fkColumns []string, referencedTable string) string {
	if len(fkColumns) != 1 {
		return n.Singularize(strings.ToLower(referencedTable))
	}
	name := fkColumns[0]
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) && len(name) > len(suffix) {
			return name[:len(name)-len(suffix)]
		}
	}
	return n.Singularize(strings.ToLower(referencedTable))
}

// OneToManyName names the association from the referenced table back to the
// FK holder. With a single FK from sourceTable it is the plural table name;
// otherwise it is prefixed by the many-to-one name for disambiguation.
// Example: isOnlyFK=true: "comments" -> "comments"
// Example: isOnlyFK=false, fkColumns=["editor_id"]: "posts" -> "editor_posts"
func (n *Namer) OneToManyName(sourceTable string, fkColumns []string, referencedTable string, isOnlyFK bool) string {
	plural := n.Pluralize(strings.ToLower(sourceTable))
	if isOnlyFK {
		return plural
	}
	return n.ManyToOneName(fkColumns, referencedTable) + "_" + plural
}

// RegisterColumn records a column of owner. Columns always win, so they are
// registered before any association.
func (n *Namer) RegisterColumn(owner, column string) {
	n.resolver.Register(owner, column, "column:"+column)
}

// RegisterAssociation applies overrides, reserved-name and collision
// handling to a derived association name and returns the final name. A name
// taken by a column gets a _ref (many-to-one) or _rel (one-to-many) suffix.
func (n *Namer) RegisterAssociation(owner, name, source string, manyToOne bool) string {
	if override, ok := n.config.AssociationOverrides[owner][name]; ok && override != "" {
		name = override
	}
	if strings.HasPrefix(name, reservedPrefix) {
		safe := strings.TrimLeft(name, "_")
		n.logger.Warn("association name uses a reserved prefix, renamed",
			slog.String("original", name),
			slog.String("renamed", safe),
		)
		name = safe
	}
	if n.resolver.Exists(owner, name) {
		if manyToOne {
			name += "_ref"
		} else {
			name += "_rel"
		}
	}
	return n.resolver.Register(owner, name, "association:"+source)
}
