// Package testutil provides shared mock implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"context"

	"querymeta/internal/domain"
)

// === History Reader Mock ===

// MockHistoryReader implements domain.HistoryReader for testing.
type MockHistoryReader struct {
	ListExecutionsFn  func(ctx context.Context, filter domain.QueryHistoryFilter) ([]domain.QueryHistoryEntry, int64, error)
	ListConnectionsFn func(ctx context.Context, runID string, page domain.PageRequest) ([]domain.ArchivedConnection, int64, error)
	GetConnectionFn   func(ctx context.Context, id uint64) (*domain.ArchivedConnection, error)

	Filters []domain.QueryHistoryFilter // filters seen by ListExecutions
}

// ListExecutions implements the interface method for testing.
func (m *MockHistoryReader) ListExecutions(ctx context.Context, filter domain.QueryHistoryFilter) ([]domain.QueryHistoryEntry, int64, error) {
	m.Filters = append(m.Filters, filter)
	if m.ListExecutionsFn != nil {
		return m.ListExecutionsFn(ctx, filter)
	}
	panic("unexpected call to MockHistoryReader.ListExecutions")
}

// ListConnections implements the interface method for testing.
func (m *MockHistoryReader) ListConnections(ctx context.Context, runID string, page domain.PageRequest) ([]domain.ArchivedConnection, int64, error) {
	if m.ListConnectionsFn != nil {
		return m.ListConnectionsFn(ctx, runID, page)
	}
	panic("unexpected call to MockHistoryReader.ListConnections")
}

// GetConnection implements the interface method for testing.
func (m *MockHistoryReader) GetConnection(ctx context.Context, id uint64) (*domain.ArchivedConnection, error) {
	if m.GetConnectionFn != nil {
		return m.GetConnectionFn(ctx, id)
	}
	panic("unexpected call to MockHistoryReader.GetConnection")
}

// LastFilter returns the last filter passed to ListExecutions.
func (m *MockHistoryReader) LastFilter() domain.QueryHistoryFilter {
	if len(m.Filters) == 0 {
		return domain.QueryHistoryFilter{}
	}
	return m.Filters[len(m.Filters)-1]
}

var _ domain.HistoryReader = (*MockHistoryReader)(nil)
