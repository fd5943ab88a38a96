package qmm

import (
	"errors"
	"reflect"
)

// StatementHandle is the live driver statement a StatementRecord is
// correlated with while open. Handles are matched with ==; pointer types
// are the norm. A handle whose value is not comparable is recorded but
// never matched. The meta model drops its reference when the statement
// closes.
type StatementHandle interface {
	QueryString() string
}

// FormattedStatement is implemented by handles that can render their query
// with bound parameters inlined. The formatted text is recorded in
// preference to QueryString.
type FormattedStatement interface {
	StatementHandle
	FormattedQuery() string
}

// matchable reports whether v can be compared with == without panicking.
func matchable(v any) bool {
	return v != nil && reflect.ValueOf(v).Comparable()
}

func queryTextOf(h StatementHandle) string {
	if h == nil {
		return "?"
	}
	if f, ok := h.(FormattedStatement); ok {
		return f.FormattedQuery()
	}
	return h.QueryString()
}

// SavepointRef is the driver-side savepoint a SavepointRecord stands for.
// References are matched with ==; one whose value is not comparable is
// ignored.
type SavepointRef interface {
	SavepointName() string
}

// NamedSavepoint is a SavepointRef identified by name only, as produced by
// SQL-level SAVEPOINT statements.
type NamedSavepoint string

// SavepointName implements SavepointRef.
func (n NamedSavepoint) SavepointName() string { return string(n) }

// CodedError attaches a vendor error code to a driver error so the code can
// be recorded on the execution.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string  { return e.Err.Error() }
func (e *CodedError) Unwrap() error  { return e.Err }
func (e *CodedError) ErrorCode() int { return e.Code }

func errorCodeOf(err error) (int, bool) {
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return 0, false
}
