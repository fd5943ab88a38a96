package qmm

import (
	"fmt"
	"iter"
	"time"

	"querymeta/internal/domain"
)

// Record is the closed set of meta model records: ConnectionState,
// Transaction, Savepoint, Statement and Execution. Consumers switch on the
// concrete type.
type Record interface {
	Meta() Object
	Text() string
	isRecord()
}

// ConnectionState is a point-in-time view of a connection record.
type ConnectionState struct {
	Object
	Info          domain.ConnectionInfo
	Transactional bool
}

// Meta implements Record.
func (s ConnectionState) Meta() Object { return s.Object }

// Text implements Record.
func (s ConnectionState) Text() string {
	return s.Info.ContainerName + " - " + s.Info.ContextName
}

func (ConnectionState) isRecord() {}

// Transaction is a view of one transaction epoch.
type Transaction struct {
	Object
	Committed domain.Tristate

	conn *Connection
	idx  int
	prev int
	head int
}

// Meta implements Record.
func (t Transaction) Meta() Object { return t.Object }

// Text implements Record.
func (t Transaction) Text() string {
	switch t.Committed {
	case domain.True:
		return fmt.Sprintf("Transaction %d (committed)", t.ID)
	case domain.False:
		return fmt.Sprintf("Transaction %d (rolled back)", t.ID)
	default:
		return fmt.Sprintf("Transaction %d", t.ID)
	}
}

func (Transaction) isRecord() {}

// Previous returns the epoch this one replaced.
func (t Transaction) Previous() (Transaction, bool) {
	if t.conn == nil || t.prev == none {
		return Transaction{}, false
	}
	t.conn.mu.RLock()
	defer t.conn.mu.RUnlock()
	return t.conn.transactionViewLocked(t.prev), true
}

// CurrentSavepoint returns the head of the savepoint chain as of the view.
func (t Transaction) CurrentSavepoint() (Savepoint, bool) {
	if t.conn == nil || t.head == none {
		return Savepoint{}, false
	}
	t.conn.mu.RLock()
	defer t.conn.mu.RUnlock()
	return t.conn.savepointViewLocked(t.head), true
}

// Savepoints walks the savepoint chain from the head captured in the view
// back to the root savepoint.
func (t Transaction) Savepoints() iter.Seq[Savepoint] {
	return func(yield func(Savepoint) bool) {
		if t.conn == nil {
			return
		}
		for i := t.head; i != none; {
			t.conn.mu.RLock()
			sp := t.conn.savepointViewLocked(i)
			t.conn.mu.RUnlock()
			if !yield(sp) {
				return
			}
			i = sp.prev
		}
	}
}

// Savepoint is a view of one savepoint.
type Savepoint struct {
	Object
	Name      string
	Ref       SavepointRef
	Committed domain.Tristate

	conn     *Connection
	idx      int
	tx       int
	prev     int
	lastExec int
}

// Meta implements Record.
func (s Savepoint) Meta() Object { return s.Object }

// Text implements Record.
func (s Savepoint) Text() string {
	if s.Name == "" {
		return fmt.Sprintf("Savepoint %d", s.ID)
	}
	return fmt.Sprintf("Savepoint %s", s.Name)
}

func (Savepoint) isRecord() {}

// IsRoot reports whether this is the unnamed savepoint every epoch starts with.
func (s Savepoint) IsRoot() bool { return s.conn != nil && s.prev == none }

// Previous returns the savepoint set before this one in the same epoch.
func (s Savepoint) Previous() (Savepoint, bool) {
	if s.conn == nil || s.prev == none {
		return Savepoint{}, false
	}
	s.conn.mu.RLock()
	defer s.conn.mu.RUnlock()
	return s.conn.savepointViewLocked(s.prev), true
}

// Transaction returns the owning epoch.
func (s Savepoint) Transaction() Transaction {
	if s.conn == nil {
		return Transaction{}
	}
	s.conn.mu.RLock()
	defer s.conn.mu.RUnlock()
	return s.conn.transactionViewLocked(s.tx)
}

// LastExecution returns the most recent execution started while this
// savepoint was current.
func (s Savepoint) LastExecution() (Execution, bool) {
	if s.conn == nil || s.lastExec == none {
		return Execution{}, false
	}
	s.conn.mu.RLock()
	defer s.conn.mu.RUnlock()
	return s.conn.executionViewLocked(s.lastExec), true
}

// Statement is a view of one statement handle's record.
type Statement struct {
	Object
	Purpose domain.Purpose

	conn *Connection
	idx  int
	prev int
}

// Meta implements Record.
func (s Statement) Meta() Object { return s.Object }

// Text implements Record.
func (s Statement) Text() string {
	return fmt.Sprintf("%s statement %d", s.Purpose, s.ID)
}

func (Statement) isRecord() {}

// Previous returns the statement opened before this one on the connection.
func (s Statement) Previous() (Statement, bool) {
	if s.conn == nil || s.prev == none {
		return Statement{}, false
	}
	s.conn.mu.RLock()
	defer s.conn.mu.RUnlock()
	return s.conn.statementViewLocked(s.prev), true
}

// Execution is a view of one statement execution.
type Execution struct {
	Object
	QueryText      string
	FetchRowCount  int64
	UpdateRowCount int64 // -1 until the execution ends
	ErrorCode      *int
	ErrorMessage   *string
	FetchBeginTime time.Time
	FetchEndTime   time.Time
	Transactional  bool

	conn      *Connection
	idx       int
	stmt      int
	prev      int
	savepoint int
}

// Meta implements Record.
func (e Execution) Meta() Object { return e.Object }

// Text implements Record.
func (e Execution) Text() string { return e.QueryText }

func (Execution) isRecord() {}

// HasError reports whether the execution ended with a driver error.
func (e Execution) HasError() bool {
	return e.ErrorMessage != nil || e.ErrorCode != nil
}

// FetchDuration returns the fetch phase duration once both ends are stamped.
func (e Execution) FetchDuration() (time.Duration, bool) {
	if e.FetchBeginTime.IsZero() || e.FetchEndTime.IsZero() {
		return 0, false
	}
	return e.FetchEndTime.Sub(e.FetchBeginTime), true
}

// Statement returns the statement this execution ran on.
func (e Execution) Statement() Statement {
	if e.conn == nil {
		return Statement{}
	}
	e.conn.mu.RLock()
	defer e.conn.mu.RUnlock()
	return e.conn.statementViewLocked(e.stmt)
}

// Savepoint returns the savepoint that was current when the execution
// started. ok is false if the connection was not transactional.
func (e Execution) Savepoint() (Savepoint, bool) {
	if e.conn == nil || e.savepoint == none {
		return Savepoint{}, false
	}
	e.conn.mu.RLock()
	defer e.conn.mu.RUnlock()
	return e.conn.savepointViewLocked(e.savepoint), true
}

// Previous returns the execution that started before this one on the
// connection, across all statements.
func (e Execution) Previous() (Execution, bool) {
	if e.conn == nil || e.prev == none {
		return Execution{}, false
	}
	e.conn.mu.RLock()
	defer e.conn.mu.RUnlock()
	return e.conn.executionViewLocked(e.prev), true
}

// Caller must hold c.mu for the view constructors below.

func (c *Connection) stateLocked() ConnectionState {
	return ConnectionState{
		Object:        c.obj.meta(),
		Info:          c.info,
		Transactional: c.transactional,
	}
}

func (c *Connection) transactionViewLocked(i int) Transaction {
	r := c.transactions[i]
	return Transaction{
		Object:    r.meta(),
		Committed: r.committed,
		conn:      c,
		idx:       i,
		prev:      r.prev,
		head:      r.head,
	}
}

func (c *Connection) savepointViewLocked(i int) Savepoint {
	r := c.savepoints[i]
	return Savepoint{
		Object:    r.meta(),
		Name:      r.name,
		Ref:       r.ref,
		Committed: r.committed,
		conn:      c,
		idx:       i,
		tx:        r.tx,
		prev:      r.prev,
		lastExec:  r.lastExec,
	}
}

func (c *Connection) statementViewLocked(i int) Statement {
	r := c.statements[i]
	return Statement{
		Object:  r.meta(),
		Purpose: r.purpose,
		conn:    c,
		idx:     i,
		prev:    r.prev,
	}
}

func (c *Connection) executionViewLocked(i int) Execution {
	r := c.executions[i]
	return Execution{
		Object:         r.meta(),
		QueryText:      r.query,
		FetchRowCount:  r.fetchRows,
		UpdateRowCount: r.updateRows,
		ErrorCode:      r.errCode,
		ErrorMessage:   r.errMsg,
		FetchBeginTime: r.fetchBegin,
		FetchEndTime:   r.fetchEnd,
		Transactional:  r.transactional,
		conn:           c,
		idx:            i,
		stmt:           r.stmt,
		prev:           r.prev,
		savepoint:      r.savepoint,
	}
}
