package resolver

import "context"

type unitOfWorkKey struct{}

// WithUnitOfWork returns a context carrying u.
func WithUnitOfWork(ctx context.Context, u *UnitOfWork) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, unitOfWorkKey{}, u)
}

// FromContext returns the unit of work stored by WithUnitOfWork.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	if ctx == nil {
		return nil, false
	}
	u, ok := ctx.Value(unitOfWorkKey{}).(*UnitOfWork)
	return u, ok && u != nil
}
