// Package qmm implements the query meta model: an in-memory, append-mostly
// history of connections, transactions, savepoints, statements and
// statement executions.
//
// A Connection is mutated by the driver wrapper (one goroutine at a time per
// connection) and read concurrently by consumers. Each connection keeps its
// history in an arena of append-only slices; back links are arena indexes,
// so a reader walking a chain never observes a half-built record.
package qmm

import (
	"cmp"
	"iter"
	"slices"
	"sync"

	"querymeta/internal/domain"
)

// Connection is the aggregate root of one open execution context.
type Connection struct {
	cfg        settings
	classifier domain.DialectClassifier

	mu            sync.RWMutex
	obj           object
	info          domain.ConnectionInfo
	transactional bool

	transactions []*transactionRecord
	savepoints   []*savepointRecord
	statements   []*statementRecord
	executions   []*executionRecord

	txHead   int
	stmtHead int
	execHead int
}

// NewConnection records a newly opened execution context. When
// transactional is set the first transaction epoch is started immediately.
func NewConnection(info domain.ConnectionInfo, transactional bool, opts ...Option) *Connection {
	c := newConnection(newSettings(opts), info, transactional)
	c.emit(Event{Type: EventConnectionOpened, Connection: c.State()})
	return c
}

func newConnection(cfg settings, info domain.ConnectionInfo, transactional bool) *Connection {
	c := &Connection{
		cfg:           cfg,
		classifier:    cfg.classifierFor(info.Dialect),
		info:          info,
		transactional: transactional,
		txHead:        none,
		stmtHead:      none,
		execHead:      none,
	}
	c.obj = c.newObject(domain.KindConnection)
	if transactional {
		c.startTransactionLocked()
	}
	return c
}

// ID returns the connection's object id.
func (c *Connection) ID() uint64 {
	return c.obj.id
}

// Info returns the descriptive fields of the connection.
func (c *Connection) Info() domain.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// State returns a view of the connection record.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

// IsTransactional reports whether auto-commit is off.
func (c *Connection) IsTransactional() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transactional
}

// Text returns a short display label.
func (c *Connection) Text() string {
	return c.State().Text()
}

func (c *Connection) String() string {
	info := c.Info()
	return "SESSION " + info.ContainerName + " [" + info.ContextName + "]"
}

// Reopen re-initializes the descriptive fields after the same logical
// session reconnected. History is kept; an epoch left open by the lost
// session is closed as rolled back and a new epoch is chained onto it.
func (c *Connection) Reopen(info domain.ConnectionInfo) {
	c.mu.Lock()
	ev := c.reopenLocked(info)
	c.mu.Unlock()
	c.emit(ev)
}

// reopenIfClosed reopens the connection only if it is closed. The check and
// the reopen happen under one lock; the caller emits the returned event.
func (c *Connection) reopenIfClosed(info domain.ConnectionInfo) (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.obj.isClosed() {
		return Event{}, false
	}
	return c.reopenLocked(info), true
}

func (c *Connection) reopenLocked(info domain.ConnectionInfo) Event {
	c.info = info
	c.classifier = c.cfg.classifierFor(info.Dialect)
	if c.transactional {
		if c.txHead != none && !c.transactions[c.txHead].isClosed() {
			c.rollbackTransactionLocked(c.txHead, nil)
		}
		c.startTransactionLocked()
	}
	c.obj.reopen()
	return Event{Type: EventConnectionReopened, Connection: c.stateLocked()}
}

// Close rolls back the open epoch, force-closes statements that were never
// closed (one warning each) and closes the connection. Closing a closed
// connection does nothing.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.obj.isClosed() {
		c.mu.Unlock()
		return
	}
	now := c.cfg.now()
	if c.txHead != none {
		c.rollbackTransactionLocked(c.txHead, nil)
	}

	type leak struct {
		view   Statement
		handle StatementHandle
	}
	var leaks []leak
	leaked := make(map[int]bool)
	for i := c.stmtHead; i != none; i = c.statements[i].prev {
		s := c.statements[i]
		if s.isClosed() {
			continue
		}
		leaked[i] = true
		h := s.handle
		s.close(now)
		s.handle = nil
		leaks = append(leaks, leak{view: c.statementViewLocked(i), handle: h})
	}
	if len(leaked) > 0 {
		for i := c.execHead; i != none; i = c.executions[i].prev {
			e := c.executions[i]
			if leaked[e.stmt] && !e.isClosed() {
				e.end(now, -1, nil)
			}
		}
	}
	c.obj.close(now)
	state := c.stateLocked()
	c.mu.Unlock()

	events := make([]Event, 0, len(leaks)+1)
	for _, l := range leaks {
		// The handle is the caller's object; read it outside the lock.
		c.cfg.logger.Warn("statement is not closed",
			"connection", state.Text(),
			"statement_id", l.view.ID,
			"query", queryTextOf(l.handle))
		events = append(events, Event{Type: EventStatementLeaked, Connection: state, Record: l.view})
	}
	events = append(events, Event{Type: EventConnectionClosed, Connection: state, Record: state})
	c.emit(events...)
}

// OpenStatement records a newly opened statement handle.
func (c *Connection) OpenStatement(purpose domain.Purpose, handle StatementHandle) Statement {
	if handle != nil && !matchable(handle) {
		c.cfg.logger.Warn("statement handle is not comparable", "query", queryTextOf(handle))
		handle = nil
	}
	c.mu.Lock()
	s := &statementRecord{
		object:  c.newObject(domain.KindStatement),
		prev:    c.stmtHead,
		purpose: purpose,
		handle:  handle,
	}
	c.statements = append(c.statements, s)
	c.stmtHead = len(c.statements) - 1
	v := c.statementViewLocked(c.stmtHead)
	ev := Event{Type: EventStatementOpened, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v
}

// CloseStatement closes the record tracking handle, first ending its
// unfinished execution with rowCount. ok is false (and a warning is logged)
// if no open record tracks the handle.
func (c *Connection) CloseStatement(handle StatementHandle, rowCount int64) (Statement, bool) {
	c.mu.Lock()
	now := c.cfg.now()
	var events []Event
	if e := c.findLatestExecutionLocked(handle); e != none && c.executions[e].end(now, rowCount, nil) {
		events = append(events, Event{Type: EventExecutionEnded, Record: c.executionViewLocked(e)})
	}
	i := c.findStatementLocked(handle)
	if i == none {
		state := c.stateLocked()
		c.mu.Unlock()
		c.cfg.logger.Warn("statement meta info not found",
			"connection", state.Text(), "query", queryTextOf(handle))
		c.emit(withConnection(state, events)...)
		return Statement{}, false
	}
	s := c.statements[i]
	s.close(now)
	s.handle = nil
	v := c.statementViewLocked(i)
	state := c.stateLocked()
	c.mu.Unlock()

	events = append(events, Event{Type: EventStatementClosed, Record: v})
	c.emit(withConnection(state, events)...)
	return v, true
}

// BeginExecution starts a new execution of the statement tracked by handle.
// ok is false (and a warning is logged) if the handle is not tracked.
func (c *Connection) BeginExecution(handle StatementHandle) (Execution, bool) {
	query := queryTextOf(handle)
	c.mu.Lock()
	s := c.findStatementLocked(handle)
	if s == none {
		state := c.stateLocked()
		c.mu.Unlock()
		c.cfg.logger.Warn("statement meta info not found",
			"connection", state.Text(), "query", query)
		return Execution{}, false
	}
	e := c.beginExecutionLocked(s, query)
	v := c.executionViewLocked(e)
	ev := Event{Type: EventExecutionBegan, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v, true
}

// EndExecution closes the most recent unfinished execution of handle with
// its row count and optional driver error.
func (c *Connection) EndExecution(handle StatementHandle, rowCount int64, err error) (Execution, bool) {
	c.mu.Lock()
	e := c.findOpenExecutionLocked(handle)
	if e == none {
		state := c.stateLocked()
		c.mu.Unlock()
		c.cfg.logger.Warn("execution meta info not found",
			"connection", state.Text(), "query", queryTextOf(handle))
		return Execution{}, false
	}
	c.executions[e].end(c.cfg.now(), rowCount, err)
	v := c.executionViewLocked(e)
	ev := Event{Type: EventExecutionEnded, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v, true
}

// BeginFetch stamps the fetch start on the latest execution of handle,
// beginning an execution first if the statement has none.
func (c *Connection) BeginFetch(handle StatementHandle) (Execution, bool) {
	query := queryTextOf(handle)
	c.mu.Lock()
	var events []Event
	e := c.findLatestExecutionLocked(handle)
	if e == none {
		s := c.findStatementLocked(handle)
		if s == none {
			state := c.stateLocked()
			c.mu.Unlock()
			c.cfg.logger.Warn("statement meta info not found",
				"connection", state.Text(), "query", query)
			return Execution{}, false
		}
		e = c.beginExecutionLocked(s, query)
		events = append(events, Event{Type: EventExecutionBegan, Record: c.executionViewLocked(e)})
	}
	r := c.executions[e]
	r.fetchBegin = c.cfg.now()
	r.touch()
	v := c.executionViewLocked(e)
	state := c.stateLocked()
	c.mu.Unlock()

	events = append(events, Event{Type: EventFetchBegan, Record: v})
	c.emit(withConnection(state, events)...)
	return v, true
}

// EndFetch stamps the fetch end and fetched row count on the latest
// execution of handle.
func (c *Connection) EndFetch(handle StatementHandle, rowCount int64) (Execution, bool) {
	c.mu.Lock()
	e := c.findLatestExecutionLocked(handle)
	if e == none {
		state := c.stateLocked()
		c.mu.Unlock()
		c.cfg.logger.Warn("execution meta info not found",
			"connection", state.Text(), "query", queryTextOf(handle))
		return Execution{}, false
	}
	r := c.executions[e]
	r.fetchEnd = c.cfg.now()
	r.fetchRows = rowCount
	r.touch()
	v := c.executionViewLocked(e)
	ev := Event{Type: EventFetchEnded, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v, true
}

// Commit closes the current epoch as committed and starts a new one. It
// returns the finished epoch; ok is false when the connection is not
// transactional.
func (c *Connection) Commit() (Transaction, bool) {
	c.mu.Lock()
	if !c.transactional {
		c.mu.Unlock()
		return Transaction{}, false
	}
	prev := c.txHead
	if prev != none {
		c.commitTransactionLocked(prev)
	}
	c.startTransactionLocked()
	if prev == none {
		c.mu.Unlock()
		return Transaction{}, false
	}
	v := c.transactionViewLocked(prev)
	ev := Event{Type: EventCommitted, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v, true
}

// Rollback rolls back the current epoch.
//
// With a nil ref every savepoint and the epoch itself are closed as rolled
// back, a new epoch starts and the finished epoch is returned.
//
// With a non-nil ref savepoints are closed from the head down to and
// including the one matching ref; no new epoch starts and the matching
// Savepoint is returned. If ref is not in the chain every savepoint has
// been closed and ok is false.
func (c *Connection) Rollback(ref SavepointRef) (Record, bool) {
	c.mu.Lock()
	if !c.transactional {
		c.mu.Unlock()
		return nil, false
	}
	cur := c.txHead
	found := none
	if cur != none {
		found = c.rollbackTransactionLocked(cur, ref)
	}
	var rec Record
	if ref == nil {
		c.startTransactionLocked()
		if cur != none {
			rec = c.transactionViewLocked(cur)
		}
	} else if found != none {
		rec = c.savepointViewLocked(found)
	}
	ev := Event{Type: EventRolledBack, Connection: c.stateLocked(), Record: rec}
	c.mu.Unlock()
	c.emit(ev)
	return rec, rec != nil
}

// SetSavepoint pushes a savepoint onto the current epoch. ok is false when
// the connection is not transactional.
func (c *Connection) SetSavepoint(ref SavepointRef) (Savepoint, bool) {
	if !matchable(ref) {
		return Savepoint{}, false
	}
	c.mu.Lock()
	if !c.transactional || c.txHead == none {
		c.mu.Unlock()
		return Savepoint{}, false
	}
	tx := c.transactions[c.txHead]
	sp := &savepointRecord{
		object:   c.newObject(domain.KindSavepoint),
		tx:       c.txHead,
		prev:     tx.head,
		name:     ref.SavepointName(),
		ref:      ref,
		lastExec: none,
	}
	c.savepoints = append(c.savepoints, sp)
	tx.head = len(c.savepoints) - 1
	tx.touch()
	v := c.savepointViewLocked(tx.head)
	ev := Event{Type: EventSavepointSet, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v, true
}

// ReleaseSavepoint closes savepoints from the head down to and including
// ref as committed. Nothing changes if ref is not in the chain.
func (c *Connection) ReleaseSavepoint(ref SavepointRef) (Savepoint, bool) {
	if !matchable(ref) {
		return Savepoint{}, false
	}
	c.mu.Lock()
	if !c.transactional || c.txHead == none {
		c.mu.Unlock()
		return Savepoint{}, false
	}
	tx := c.transactions[c.txHead]
	target := none
	for i := tx.head; i != none; i = c.savepoints[i].prev {
		if c.savepoints[i].ref == ref {
			target = i
			break
		}
	}
	if target == none {
		c.mu.Unlock()
		return Savepoint{}, false
	}
	now := c.cfg.now()
	for i := tx.head; ; i = c.savepoints[i].prev {
		if sp := c.savepoints[i]; sp.close(now) {
			sp.committed = domain.True
		}
		if i == target {
			break
		}
	}
	v := c.savepointViewLocked(target)
	ev := Event{Type: EventSavepointReleased, Connection: c.stateLocked(), Record: v}
	c.mu.Unlock()
	c.emit(ev)
	return v, true
}

// ChangeTransactional toggles auto-commit. The open epoch, if any, is
// committed and a new epoch always starts. It returns the finished epoch;
// ok is false if the flag did not change or there was no epoch before.
func (c *Connection) ChangeTransactional(transactional bool) (Transaction, bool) {
	c.mu.Lock()
	if c.transactional == transactional {
		c.mu.Unlock()
		return Transaction{}, false
	}
	c.transactional = transactional
	c.obj.touch()
	prev := c.txHead
	if prev != none {
		c.commitTransactionLocked(prev)
	}
	c.startTransactionLocked()
	var (
		v  Transaction
		ok bool
	)
	if prev != none {
		v, ok = c.transactionViewLocked(prev), true
	}
	ev := Event{Type: EventTransactionalChanged, Connection: c.stateLocked()}
	if ok {
		ev.Record = v
	}
	c.mu.Unlock()
	c.emit(ev)
	return v, ok
}

// CurrentTransaction returns the current epoch. ok is false while the
// connection is not transactional.
func (c *Connection) CurrentTransaction() (Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.transactional || c.txHead == none {
		return Transaction{}, false
	}
	return c.transactionViewLocked(c.txHead), true
}

// StatementChain walks statements from the head at call time back to the
// first one. Each step takes the read lock briefly.
func (c *Connection) StatementChain() iter.Seq[Statement] {
	c.mu.RLock()
	head := c.stmtHead
	c.mu.RUnlock()
	return func(yield func(Statement) bool) {
		for i := head; i != none; {
			c.mu.RLock()
			v := c.statementViewLocked(i)
			c.mu.RUnlock()
			if !yield(v) {
				return
			}
			i = v.prev
		}
	}
}

// ExecutionChain walks executions, across all statements, from the head at
// call time back to the first one.
func (c *Connection) ExecutionChain() iter.Seq[Execution] {
	c.mu.RLock()
	head := c.execHead
	c.mu.RUnlock()
	return func(yield func(Execution) bool) {
		for i := head; i != none; {
			c.mu.RLock()
			v := c.executionViewLocked(i)
			c.mu.RUnlock()
			if !yield(v) {
				return
			}
			i = v.prev
		}
	}
}

// TransactionChain walks every epoch from the newest back to the first,
// including epochs allocated while the connection was not transactional.
func (c *Connection) TransactionChain() iter.Seq[Transaction] {
	c.mu.RLock()
	head := c.txHead
	c.mu.RUnlock()
	return func(yield func(Transaction) bool) {
		for i := head; i != none; {
			c.mu.RLock()
			v := c.transactionViewLocked(i)
			c.mu.RUnlock()
			if !yield(v) {
				return
			}
			i = v.prev
		}
	}
}

// Snapshot is a consistent copy of a connection's history, oldest first.
type Snapshot struct {
	Connection   ConnectionState
	Transactions []Transaction
	Savepoints   []Savepoint
	Statements   []Statement
	Executions   []Execution
}

// Records returns every record of the snapshot ordered by object id.
func (s Snapshot) Records() []Record {
	out := make([]Record, 0, 1+len(s.Transactions)+len(s.Savepoints)+len(s.Statements)+len(s.Executions))
	out = append(out, s.Connection)
	for _, r := range s.Transactions {
		out = append(out, r)
	}
	for _, r := range s.Savepoints {
		out = append(out, r)
	}
	for _, r := range s.Statements {
		out = append(out, r)
	}
	for _, r := range s.Executions {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// Snapshot copies the whole history under one read lock.
func (c *Connection) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		Connection:   c.stateLocked(),
		Transactions: make([]Transaction, len(c.transactions)),
		Savepoints:   make([]Savepoint, len(c.savepoints)),
		Statements:   make([]Statement, len(c.statements)),
		Executions:   make([]Execution, len(c.executions)),
	}
	for i := range c.transactions {
		s.Transactions[i] = c.transactionViewLocked(i)
	}
	for i := range c.savepoints {
		s.Savepoints[i] = c.savepointViewLocked(i)
	}
	for i := range c.statements {
		s.Statements[i] = c.statementViewLocked(i)
	}
	for i := range c.executions {
		s.Executions[i] = c.executionViewLocked(i)
	}
	return s
}

// TakeUpdated returns every record whose dirty flag is set, ordered by
// object id, and clears the flags.
func (c *Connection) TakeUpdated() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	if c.obj.updated {
		out = append(out, c.stateLocked())
		c.obj.updated = false
	}
	for i, r := range c.transactions {
		if r.updated {
			out = append(out, c.transactionViewLocked(i))
			r.updated = false
		}
	}
	for i, r := range c.savepoints {
		if r.updated {
			out = append(out, c.savepointViewLocked(i))
			r.updated = false
		}
	}
	for i, r := range c.statements {
		if r.updated {
			out = append(out, c.statementViewLocked(i))
			r.updated = false
		}
	}
	for i, r := range c.executions {
		if r.updated {
			out = append(out, c.executionViewLocked(i))
			r.updated = false
		}
	}
	sortRecords(out)
	return out
}

// Caller must hold c.mu for everything below.

func (c *Connection) newObject(kind domain.RecordKind) object {
	return object{
		id:      c.cfg.ids.Next(),
		kind:    kind,
		opened:  c.cfg.now(),
		updated: true,
	}
}

func (c *Connection) startTransactionLocked() {
	txIdx := len(c.transactions)
	tx := &transactionRecord{
		object: c.newObject(domain.KindTransaction),
		prev:   c.txHead,
	}
	root := &savepointRecord{
		object:   c.newObject(domain.KindSavepoint),
		tx:       txIdx,
		prev:     none,
		lastExec: none,
	}
	c.savepoints = append(c.savepoints, root)
	tx.head = len(c.savepoints) - 1
	c.transactions = append(c.transactions, tx)
	c.txHead = txIdx
}

func (c *Connection) commitTransactionLocked(i int) {
	tx := c.transactions[i]
	now := c.cfg.now()
	for s := tx.head; s != none; s = c.savepoints[s].prev {
		if sp := c.savepoints[s]; sp.close(now) {
			sp.committed = domain.True
		}
	}
	if tx.close(now) {
		tx.committed = domain.True
	}
}

// rollbackTransactionLocked closes savepoints from the head as rolled back,
// stopping after the one matching ref. With a nil ref the epoch itself is
// closed too. It returns the index of the matching savepoint.
func (c *Connection) rollbackTransactionLocked(i int, ref SavepointRef) int {
	tx := c.transactions[i]
	now := c.cfg.now()
	found := none
	match := matchable(ref)
	for s := tx.head; s != none; s = c.savepoints[s].prev {
		sp := c.savepoints[s]
		if sp.close(now) {
			sp.committed = domain.False
		}
		if match && sp.ref == ref {
			found = s
			break
		}
	}
	if ref == nil && tx.close(now) {
		tx.committed = domain.False
	}
	return found
}

func (c *Connection) beginExecutionLocked(stmt int, query string) int {
	s := c.statements[stmt]
	savepoint := none
	if c.transactional && c.txHead != none {
		savepoint = c.activeSavepointLocked(c.txHead)
	}
	transactional := false
	if s.purpose != domain.PurposeMeta && c.classifier != nil {
		transactional = c.classifier.IsTransactionModifying(query)
	}
	e := &executionRecord{
		object:        c.newObject(domain.KindExecution),
		stmt:          stmt,
		prev:          c.execHead,
		savepoint:     savepoint,
		query:         query,
		updateRows:    -1,
		transactional: transactional,
	}
	c.executions = append(c.executions, e)
	c.execHead = len(c.executions) - 1
	if savepoint != none {
		sp := c.savepoints[savepoint]
		sp.lastExec = c.execHead
		sp.touch()
	}
	return c.execHead
}

// activeSavepointLocked returns the newest open savepoint of epoch i. After
// a rollback to or release of a savepoint that is an older one, usually the
// root. If the whole chain was closed by a rollback to an unknown savepoint
// the head is returned.
func (c *Connection) activeSavepointLocked(i int) int {
	head := c.transactions[i].head
	for s := head; s != none; s = c.savepoints[s].prev {
		if !c.savepoints[s].isClosed() {
			return s
		}
	}
	return head
}

// findStatementLocked returns the open statement tracking handle.
func (c *Connection) findStatementLocked(handle StatementHandle) int {
	if !matchable(handle) {
		return none
	}
	for i := c.stmtHead; i != none; i = c.statements[i].prev {
		if s := c.statements[i]; s.handle != nil && s.handle == handle {
			return i
		}
	}
	return none
}

// findLatestExecutionLocked returns the newest execution, open or not, of
// the open statement tracking handle.
func (c *Connection) findLatestExecutionLocked(handle StatementHandle) int {
	if !matchable(handle) {
		return none
	}
	for i := c.execHead; i != none; i = c.executions[i].prev {
		if s := c.statements[c.executions[i].stmt]; s.handle != nil && s.handle == handle {
			return i
		}
	}
	return none
}

// findOpenExecutionLocked returns the newest unfinished execution of the
// open statement tracking handle.
func (c *Connection) findOpenExecutionLocked(handle StatementHandle) int {
	if !matchable(handle) {
		return none
	}
	for i := c.execHead; i != none; i = c.executions[i].prev {
		e := c.executions[i]
		if e.isClosed() {
			continue
		}
		if s := c.statements[e.stmt]; s.handle != nil && s.handle == handle {
			return i
		}
	}
	return none
}

func (c *Connection) emit(events ...Event) {
	for _, ev := range events {
		for _, o := range c.cfg.observers {
			o.Observe(ev)
		}
	}
}

func withConnection(state ConnectionState, events []Event) []Event {
	for i := range events {
		events[i].Connection = state
	}
	return events
}

func sortRecords(rs []Record) {
	slices.SortFunc(rs, func(a, b Record) int {
		return cmp.Compare(a.Meta().ID, b.Meta().ID)
	})
}
