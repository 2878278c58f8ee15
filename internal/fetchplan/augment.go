package fetchplan

import (
	"fmt"

	"lazybatch/internal/planner"
	"lazybatch/internal/schema"
	"lazybatch/internal/sqlutil"
)

// Augmented is a root query with its eager associations folded in and its
// lazy associations recorded for deferred resolution.
type Augmented struct {
	Plan  *Plan
	Query planner.SQLQuery
	Eager []planner.EagerJoin
	Lazy  []*schema.Association
}

// RootRow is one root row after the joined result has been split.
type RootRow struct {
	Ref    schema.EntityRef
	Fields schema.Row
	// Eager holds the target rows of every eager association keyed by
	// association name. A root without targets has an empty, non-nil slice.
	Eager map[string][]schema.Row
}

// Resolve validates entries against root and builds the augmented query.
func Resolve(reg *schema.Registry, d sqlutil.Dialect, root planner.RootQuery, entries []Entry) (*Augmented, error) {
	plan, err := New(reg, root.Type, entries...)
	if err != nil {
		return nil, err
	}
	return Augment(reg, d, plan, root)
}

// Augment builds the augmented query of an already validated plan.
func Augment(reg *schema.Registry, d sqlutil.Dialect, plan *Plan, root planner.RootQuery) (*Augmented, error) {
	if root.Type != plan.Root().Name {
		return nil, &InvalidPlanError{Root: root.Type, Reason: "plan was built for " + plan.Root().Name}
	}
	eager := plan.Associations(Eager)
	joins := make([]planner.EagerJoin, 0, len(eager))
	for _, assoc := range eager {
		target, err := reg.Type(assoc.Target)
		if err != nil {
			return nil, &InvalidPlanError{Root: root.Type, Association: assoc.Name, Reason: err.Error()}
		}
		joins = append(joins, planner.EagerJoin{Association: assoc, Target: target})
	}

	query, err := planner.PlanEagerJoin(d, plan.Root(), root, joins)
	if err != nil {
		return nil, fmt.Errorf("plan root query for %s: %w", root.Type, err)
	}
	return &Augmented{
		Plan:  plan,
		Query: query,
		Eager: joins,
		Lazy:  plan.Associations(LazyBatch),
	}, nil
}

// Split partitions joined rows into distinct roots, preserving the order in
// which roots first appear, and attaches the deduplicated targets of every
// eager association.
func (a *Augmented) Split(rows []schema.Row) ([]RootRow, error) {
	root := a.Plan.Root()
	var out []RootRow
	index := make(map[schema.EntityRef]int, len(rows))
	seenChild := make([]map[string]struct{}, 0, len(rows))

	for _, row := range rows {
		ref, err := schema.RefForRow(root, row)
		if err != nil {
			return nil, err
		}
		pos, ok := index[ref]
		if !ok {
			rr := RootRow{Ref: ref, Fields: planner.ExtractRootRow(row, root)}
			if len(a.Eager) > 0 {
				rr.Eager = make(map[string][]schema.Row, len(a.Eager))
				for _, join := range a.Eager {
					rr.Eager[join.Association.Name] = []schema.Row{}
				}
			}
			pos = len(out)
			index[ref] = pos
			out = append(out, rr)
			seenChild = append(seenChild, make(map[string]struct{}))
		}

		for i, join := range a.Eager {
			child := planner.ExtractEagerRow(row, i, join.Target)
			if child == nil {
				continue
			}
			childRef, err := schema.RefForRow(join.Target, child)
			if err != nil {
				return nil, err
			}
			dedupe := join.Association.Name + "|" + childRef.Key
			if _, dup := seenChild[pos][dedupe]; dup {
				continue
			}
			seenChild[pos][dedupe] = struct{}{}
			out[pos].Eager[join.Association.Name] = append(out[pos].Eager[join.Association.Name], child)
		}
	}
	return out, nil
}
