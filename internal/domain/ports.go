package domain

import "context"

// DialectClassifier answers whether a query mutates transactional state for
// the active SQL dialect. Implemented by the dialect package.
type DialectClassifier interface {
	IsTransactionModifying(query string) bool
}

// HistoryReader reads the query history archive.
// Implemented by repository.HistoryRepo.
type HistoryReader interface {
	ListExecutions(ctx context.Context, filter QueryHistoryFilter) ([]QueryHistoryEntry, int64, error)
	ListConnections(ctx context.Context, runID string, page PageRequest) ([]ArchivedConnection, int64, error)
	GetConnection(ctx context.Context, id uint64) (*ArchivedConnection, error)
}
