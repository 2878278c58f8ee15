package resolver

import (
	"errors"
	"fmt"
)

var (
	// ErrUnitOfWorkClosed is returned by every operation on a completed unit of work.
	ErrUnitOfWorkClosed = errors.New("unit of work is closed")

	// ErrUnknownAssociation is returned when an entity type has no association
	// with the requested name.
	ErrUnknownAssociation = errors.New("unknown association")
)

// BatchFetchError wraps a storage failure during a drain. The same error is
// returned to every caller whose owner took part in the failed batch.
type BatchFetchError struct {
	// Association is the ID of the association the batch was loading.
	Association string
	// Owners is the number of owners moved to Failed.
	Owners int
	Err    error
}

func (e *BatchFetchError) Error() string {
	return fmt.Sprintf("bulk fetch of %s for %d owners failed: %v", e.Association, e.Owners, e.Err)
}

func (e *BatchFetchError) Unwrap() error {
	return e.Err
}
