// Package schema describes the entity types and associations the resolver loads.
//
// Types and associations are registered once at startup (from database
// introspection or from configuration) and are read-only afterwards.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownType is returned when a type name is not present in a Registry.
var ErrUnknownType = errors.New("unknown type")

// Row is a single scanned database row keyed by column name.
type Row map[string]any

// Cardinality is the number of targets an owner can have through an association.
type Cardinality int

const (
	// One means the owner references at most one target.
	One Cardinality = iota
	// Many means the owner can have any number of targets.
	Many
)

func (c Cardinality) String() string {
	if c == Many {
		return "many"
	}
	return "one"
}

// Direction records which side of an association holds the foreign key.
type Direction int

const (
	// Outbound means the owner row holds the foreign key (many-to-one).
	Outbound Direction = iota
	// Inbound means the target rows hold the foreign key (one-to-many).
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Type is a persistent entity type backed by a single table.
type Type struct {
	Name       string
	Table      string
	PrimaryKey []string
	Columns    []string
}

// HasColumn reports whether the type selects the named column.
func (t *Type) HasColumn(name string) bool {
	for _, col := range t.Columns {
		if col == name {
			return true
		}
	}
	return false
}

// Association describes a navigable relationship from Owner to Target.
//
// LocalColumns are read from the owner row; RemoteColumns are matched on the
// target table. The two are positional: LocalColumns[i] joins RemoteColumns[i].
type Association struct {
	Name          string
	Owner         string
	Target        string
	Cardinality   Cardinality
	Direction     Direction
	LocalColumns  []string
	RemoteColumns []string
}

// ID returns the registry-wide identifier of the association.
func (a *Association) ID() string {
	return a.Owner + "." + a.Name
}

func (a *Association) String() string {
	return fmt.Sprintf("%s (%s -> %s, %s)", a.ID(), a.Owner, a.Target, a.Cardinality)
}

// Entity is a loaded row of a registered type.
type Entity struct {
	Ref    EntityRef
	Type   string
	Fields Row
}

// Registry holds the registered types and their associations.
type Registry struct {
	types        map[string]*Type
	byTable      map[string]string
	associations map[string]map[string]*Association
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:        make(map[string]*Type),
		byTable:      make(map[string]string),
		associations: make(map[string]map[string]*Association),
	}
}

// RegisterType adds a type. Names and tables must be unique.
func (r *Registry) RegisterType(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("type name is required")
	}
	if t.Table == "" {
		t.Table = t.Name
	}
	if _, ok := r.types[t.Name]; ok {
		return fmt.Errorf("type %s already registered", t.Name)
	}
	if owner, ok := r.byTable[t.Table]; ok {
		return fmt.Errorf("table %s already registered as type %s", t.Table, owner)
	}
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("type %s: primary key is required", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("type %s: at least one column is required", t.Name)
	}
	for _, pk := range t.PrimaryKey {
		if !t.HasColumn(pk) {
			return fmt.Errorf("type %s: primary key column %s is not a selected column", t.Name, pk)
		}
	}

	stored := Type{
		Name:       t.Name,
		Table:      t.Table,
		PrimaryKey: append([]string(nil), t.PrimaryKey...),
		Columns:    append([]string(nil), t.Columns...),
	}
	r.types[t.Name] = &stored
	r.byTable[t.Table] = t.Name
	return nil
}

// RegisterAssociation adds an association between two registered types.
func (r *Registry) RegisterAssociation(a Association) error {
	if a.Name == "" {
		return fmt.Errorf("association name is required")
	}
	owner, ok := r.types[a.Owner]
	if !ok {
		return fmt.Errorf("association %s: owner %s: %w", a.Name, a.Owner, ErrUnknownType)
	}
	target, ok := r.types[a.Target]
	if !ok {
		return fmt.Errorf("association %s: target %s: %w", a.ID(), a.Target, ErrUnknownType)
	}
	if len(a.LocalColumns) == 0 || len(a.LocalColumns) != len(a.RemoteColumns) {
		return fmt.Errorf("association %s: local and remote columns must be non-empty and of equal width", a.ID())
	}
	for _, col := range a.LocalColumns {
		if !owner.HasColumn(col) {
			return fmt.Errorf("association %s: local column %s is not a column of %s", a.ID(), col, owner.Name)
		}
	}
	for _, col := range a.RemoteColumns {
		if !target.HasColumn(col) {
			return fmt.Errorf("association %s: remote column %s is not a column of %s", a.ID(), col, target.Name)
		}
	}
	byName := r.associations[a.Owner]
	if byName == nil {
		byName = make(map[string]*Association)
		r.associations[a.Owner] = byName
	}
	if _, exists := byName[a.Name]; exists {
		return fmt.Errorf("association %s already registered", a.ID())
	}
	if owner.HasColumn(a.Name) {
		return fmt.Errorf("association %s collides with a column of %s", a.ID(), owner.Name)
	}

	stored := a
	stored.LocalColumns = append([]string(nil), a.LocalColumns...)
	stored.RemoteColumns = append([]string(nil), a.RemoteColumns...)
	byName[a.Name] = &stored
	return nil
}

// Type returns the named type.
func (r *Registry) Type(name string) (*Type, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return t, nil
}

// TypeByTable returns the type registered for a table.
func (r *Registry) TypeByTable(table string) (*Type, bool) {
	name, ok := r.byTable[table]
	if !ok {
		return nil, false
	}
	return r.types[name], true
}

// Association looks up an association by owner type and name.
func (r *Registry) Association(owner, name string) (*Association, bool) {
	a, ok := r.associations[owner][name]
	return a, ok
}

// Associations returns the associations of owner sorted by name.
func (r *Registry) Associations(owner string) []*Association {
	byName := r.associations[owner]
	out := make([]*Association, 0, len(byName))
	for _, a := range byName {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Types returns all registered types sorted by name.
func (r *Registry) Types() []*Type {
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders a short human-readable summary of the registry.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, t := range r.Types() {
		fmt.Fprintf(&b, "%s (%s) pk=%s\n", t.Name, t.Table, strings.Join(t.PrimaryKey, ","))
		for _, a := range r.Associations(t.Name) {
			fmt.Fprintf(&b, "  %s -> %s [%s, %s]\n", a.Name, a.Target, a.Cardinality, a.Direction)
		}
	}
	return b.String()
}
