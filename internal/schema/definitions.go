package schema

import (
	"fmt"
	"strings"
)

// Definitions declares types and associations outside of introspection,
// typically from the `schema` section of the config file.
type Definitions struct {
	Types        []TypeDefinition        `mapstructure:"types"`
	Associations []AssociationDefinition `mapstructure:"associations"`
}

// TypeDefinition declares one entity type.
type TypeDefinition struct {
	Name       string   `mapstructure:"name"`
	Table      string   `mapstructure:"table"`
	PrimaryKey []string `mapstructure:"primary_key"`
	Columns    []string `mapstructure:"columns"`
}

// AssociationDefinition declares one association.
type AssociationDefinition struct {
	Owner         string   `mapstructure:"owner"`
	Name          string   `mapstructure:"name"`
	Target        string   `mapstructure:"target"`
	Cardinality   string   `mapstructure:"cardinality"`
	Direction     string   `mapstructure:"direction"`
	LocalColumns  []string `mapstructure:"local_columns"`
	RemoteColumns []string `mapstructure:"remote_columns"`
}

// IsZero reports whether nothing is declared.
func (d Definitions) IsZero() bool {
	return len(d.Types) == 0 && len(d.Associations) == 0
}

// Apply registers the declared types, then the declared associations.
// Types already present in the registry (for example from introspection)
// are left alone, so declarations can add associations to introspected types.
func (d Definitions) Apply(r *Registry) error {
	for _, td := range d.Types {
		if _, err := r.Type(td.Name); err == nil {
			continue
		}
		if err := r.RegisterType(Type{
			Name:       td.Name,
			Table:      td.Table,
			PrimaryKey: td.PrimaryKey,
			Columns:    td.Columns,
		}); err != nil {
			return fmt.Errorf("schema.types: %w", err)
		}
	}
	for _, ad := range d.Associations {
		assoc, err := ad.Association()
		if err != nil {
			return err
		}
		if existing, ok := r.Association(assoc.Owner, assoc.Name); ok {
			return fmt.Errorf("schema.associations: %s is already defined", existing.ID())
		}
		if err := r.RegisterAssociation(assoc); err != nil {
			return fmt.Errorf("schema.associations: %w", err)
		}
	}
	return nil
}

// Association converts the definition into an Association.
func (ad AssociationDefinition) Association() (Association, error) {
	card, err := ParseCardinality(ad.Cardinality)
	if err != nil {
		return Association{}, fmt.Errorf("schema.associations %s.%s: %w", ad.Owner, ad.Name, err)
	}
	dir, err := ParseDirection(ad.Direction, card)
	if err != nil {
		return Association{}, fmt.Errorf("schema.associations %s.%s: %w", ad.Owner, ad.Name, err)
	}
	return Association{
		Name:          ad.Name,
		Owner:         ad.Owner,
		Target:        ad.Target,
		Cardinality:   card,
		Direction:     dir,
		LocalColumns:  ad.LocalColumns,
		RemoteColumns: ad.RemoteColumns,
	}, nil
}

// ParseCardinality parses "one" or "many".
func ParseCardinality(s string) (Cardinality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one", "to_one", "many_to_one":
		return One, nil
	case "many", "to_many", "one_to_many":
		return Many, nil
	default:
		return One, fmt.Errorf("invalid cardinality %q (must be one or many)", s)
	}
}

// ParseDirection parses "outbound" or "inbound". An empty direction is
// inferred from the cardinality.
func ParseDirection(s string, card Cardinality) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		if card == Many {
			return Inbound, nil
		}
		return Outbound, nil
	case "outbound":
		return Outbound, nil
	case "inbound":
		return Inbound, nil
	default:
		return Outbound, fmt.Errorf("invalid direction %q (must be outbound or inbound)", s)
	}
}
