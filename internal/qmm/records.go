package qmm

import (
	"time"

	"querymeta/internal/domain"
)

// none marks an absent arena index.
const none = -1

type transactionRecord struct {
	object
	prev      int
	head      int // newest savepoint of this epoch
	committed domain.Tristate
}

type savepointRecord struct {
	object
	tx        int
	prev      int
	name      string
	ref       SavepointRef
	committed domain.Tristate
	lastExec  int
}

type statementRecord struct {
	object
	prev    int
	purpose domain.Purpose
	handle  StatementHandle // nil once closed
}

type executionRecord struct {
	object
	stmt          int
	prev          int
	savepoint     int
	query         string
	fetchRows     int64
	updateRows    int64
	errCode       *int
	errMsg        *string
	fetchBegin    time.Time
	fetchEnd      time.Time
	transactional bool
}

// end closes the execution with its outcome. It returns false if the
// execution was already closed.
func (e *executionRecord) end(now time.Time, rowCount int64, err error) bool {
	if !e.close(now) {
		return false
	}
	e.updateRows = rowCount
	if rowCount >= 0 {
		e.transactional = true
	}
	if err != nil {
		msg := err.Error()
		e.errMsg = &msg
		if code, ok := errorCodeOf(err); ok {
			e.errCode = &code
		}
		// Any error may have aborted or altered the transaction on some backends.
		e.transactional = true
	}
	return true
}
