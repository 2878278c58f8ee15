package resolver

import (
	"context"
	"fmt"

	"lazybatch/internal/schema"
)

// Placeholder stands in for an association value until it is read.
type Placeholder struct {
	uow   *UnitOfWork
	owner *schema.Entity
	assoc *schema.Association
}

// Owner returns the entity the association belongs to.
func (p *Placeholder) Owner() *schema.Entity {
	return p.owner
}

// Association returns the association descriptor.
func (p *Placeholder) Association() *schema.Association {
	return p.assoc
}

// State returns the current resolution state.
func (p *Placeholder) State() State {
	return p.uow.stateOf(p.owner.Ref, p.assoc)
}

// Get returns the associated entities, forcing resolution of the owner's
// pending batch if needed. An owner without targets gets an empty slice.
// A failed batch returns its *BatchFetchError on every call.
func (p *Placeholder) Get(ctx context.Context) ([]*schema.Entity, error) {
	return p.uow.get(ctx, p.owner, p.assoc)
}

// One returns the single associated entity, or nil when there is none.
// For a Many association it returns the first target.
func (p *Placeholder) One(ctx context.Context) (*schema.Entity, error) {
	children, err := p.Get(ctx)
	if err != nil || len(children) == 0 {
		return nil, err
	}
	return children[0], nil
}

func (u *UnitOfWork) get(ctx context.Context, owner *schema.Entity, assoc *schema.Association) ([]*schema.Entity, error) {
	if u.isClosed() {
		return nil, ErrUnitOfWorkClosed
	}
	if children, ok := u.cache.Get(owner.Ref, assoc); ok {
		if m := u.engine.opts.Metrics; m != nil {
			m.RecordCacheHit(ctx, assoc.ID())
		}
		return children, nil
	}
	if m := u.engine.opts.Metrics; m != nil {
		m.RecordCacheMiss(ctx, assoc.ID())
	}

	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	key := stateKey{owner: owner.Ref, assoc: assoc.ID()}
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrUnitOfWorkClosed
	}
	if u.states[key] == Unresolved {
		u.registerLocked(owner, assoc, u.width)
	}
	state := u.states[key]
	u.mu.Unlock()

	var resolveErr error
	if state == Pending {
		resolveErr = u.resolve(ctx, assoc)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.states[key] {
	case Resolved:
		children, _ := u.cache.Peek(owner.Ref, assoc)
		return children, nil
	case Failed:
		return nil, u.failures[key]
	}
	if resolveErr != nil {
		return nil, resolveErr
	}
	return nil, fmt.Errorf("%s of %s is still %s after resolution", assoc.ID(), owner.Ref, u.states[key])
}
