package resolver

import "time"

// Metrics summarizes the work done by one unit of work. It is returned by
// UnitOfWork.Complete.
type Metrics struct {
	ID string `json:"id"`

	RootQueries int `json:"root_queries"`
	BulkFetches int `json:"bulk_fetches"`
	KeysFetched int `json:"keys_fetched"`
	RowsFetched int `json:"rows_fetched"`

	Registrations          int `json:"registrations"`
	DuplicateRegistrations int `json:"duplicate_registrations"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	BackendHits int   `json:"backend_hits"`

	FailedBatches int   `json:"failed_batches"`
	QueriesSaved  int64 `json:"queries_saved"`

	Duration time.Duration `json:"duration_ns"`
}

// Queries returns the number of statements sent to storage.
func (m Metrics) Queries() int {
	return m.RootQueries + m.BulkFetches
}
