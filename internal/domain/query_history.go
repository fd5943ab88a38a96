package domain

import "time"

// Execution status values stored in the archive.
const (
	StatusRunning = "RUNNING"
	StatusOK      = "OK"
	StatusError   = "ERROR"
)

// QueryHistoryEntry represents a single archived statement execution.
type QueryHistoryEntry struct {
	ID             uint64
	ConnectionID   uint64
	ContainerName  string
	ContextName    string
	StatementID    uint64
	Purpose        string
	QueryText      string
	Status         string
	ErrorCode      *int
	ErrorMessage   *string
	Transactional  bool
	UpdateRowCount int64
	FetchRowCount  int64
	DurationMs     *int64
	FetchMs        *int64
	CreatedAt      time.Time
}

// QueryHistoryFilter holds filter parameters for querying query history.
type QueryHistoryFilter struct {
	RunID        *string
	ConnectionID *uint64
	Status       *string
	From         *time.Time
	To           *time.Time
	Page         PageRequest
}

// ArchivedConnection is a connection record as persisted in the archive.
type ArchivedConnection struct {
	ID            uint64
	RunID         string
	Info          ConnectionInfo
	Transactional bool
	OpenTime      time.Time
	CloseTime     *time.Time
}

// ValidStatus reports whether s is one of the archived execution statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusRunning, StatusOK, StatusError:
		return true
	}
	return false
}
