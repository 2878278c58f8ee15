// Package fetchplan validates fetch plans and folds their eager entries into
// the root query.
package fetchplan

import (
	"fmt"
	"strings"

	"lazybatch/internal/schema"
)

// Mode selects how an association is loaded.
type Mode int

const (
	// Eager folds the association into the root query as a join.
	Eager Mode = iota + 1
	// LazyBatch defers the association and loads it in bulk on first access.
	LazyBatch
)

func (m Mode) String() string {
	switch m {
	case Eager:
		return "EAGER"
	case LazyBatch:
		return "LAZY_BATCH"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses "eager" or "lazy_batch" (case-insensitive, "lazy" accepted).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eager":
		return Eager, nil
	case "lazy", "lazy_batch", "lazybatch":
		return LazyBatch, nil
	default:
		return 0, fmt.Errorf("unknown fetch mode %q", s)
	}
}

// Entry marks one association of the root type.
type Entry struct {
	Association string
	Mode        Mode
}

// InvalidPlanError reports a plan that cannot be executed. It is only ever
// returned while building a plan, never mid-fetch.
type InvalidPlanError struct {
	Root        string
	Association string
	Reason      string
}

func (e *InvalidPlanError) Error() string {
	if e.Association == "" {
		return fmt.Sprintf("invalid fetch plan for %s: %s", e.Root, e.Reason)
	}
	return fmt.Sprintf("invalid fetch plan for %s: association %q %s", e.Root, e.Association, e.Reason)
}

// Plan is a validated fetch plan: each association of the root type appears
// at most once with a single mode.
type Plan struct {
	root    *schema.Type
	entries []Entry
	assocs  map[string]*schema.Association
}

// New validates entries against the associations of root.
//
// An association listed twice with the same mode is collapsed; listed with
// two different modes it is rejected.
func New(reg *schema.Registry, root string, entries ...Entry) (*Plan, error) {
	rootType, err := reg.Type(root)
	if err != nil {
		return nil, &InvalidPlanError{Root: root, Reason: err.Error()}
	}

	p := &Plan{
		root:   rootType,
		assocs: make(map[string]*schema.Association, len(entries)),
	}
	modes := make(map[string]Mode, len(entries))
	for _, entry := range entries {
		if entry.Mode != Eager && entry.Mode != LazyBatch {
			return nil, &InvalidPlanError{Root: root, Association: entry.Association, Reason: fmt.Sprintf("has invalid mode %s", entry.Mode)}
		}
		assoc, ok := reg.Association(root, entry.Association)
		if !ok {
			return nil, &InvalidPlanError{Root: root, Association: entry.Association, Reason: "is not an association of " + root}
		}
		if prev, seen := modes[entry.Association]; seen {
			if prev != entry.Mode {
				return nil, &InvalidPlanError{
					Root:        root,
					Association: entry.Association,
					Reason:      fmt.Sprintf("is marked both %s and %s", prev, entry.Mode),
				}
			}
			continue
		}
		modes[entry.Association] = entry.Mode
		p.assocs[entry.Association] = assoc
		p.entries = append(p.entries, entry)
	}
	return p, nil
}

// Root returns the root type.
func (p *Plan) Root() *schema.Type {
	return p.root
}

// Entries returns the deduplicated entries in declaration order.
func (p *Plan) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

// Mode returns the mode the plan assigns to an association.
func (p *Plan) Mode(name string) (Mode, bool) {
	for _, entry := range p.entries {
		if entry.Association == name {
			return entry.Mode, true
		}
	}
	return 0, false
}

// Associations returns the plan's associations with the given mode in declaration order.
func (p *Plan) Associations(mode Mode) []*schema.Association {
	var out []*schema.Association
	for _, entry := range p.entries {
		if entry.Mode == mode {
			out = append(out, p.assocs[entry.Association])
		}
	}
	return out
}
