package recorder

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"

	"querymeta/internal/dialect"
	"querymeta/internal/qmm"
)

var errLevelNotSupported = errors.New("recorder: driver does not support non-default isolation level")

// conn records one physical connection. database/sql never uses a driver
// connection from two goroutines at once.
type conn struct {
	parent  driver.Conn
	qm      *qmm.Connection
	dialect dialect.Dialect
	logger  *slog.Logger

	// sqlTx is set while a transaction opened by a BEGIN statement (rather
	// than BeginTx) is in progress.
	sqlTx bool

	// preparedOnly is set once the parent answered a direct call with
	// driver.ErrSkip; later direct calls go straight to the prepared path.
	preparedOnly bool
}

var (
	_ driver.Conn               = (*conn)(nil)
	_ driver.ConnPrepareContext = (*conn)(nil)
	_ driver.ConnBeginTx        = (*conn)(nil)
	_ driver.ExecerContext      = (*conn)(nil)
	_ driver.QueryerContext     = (*conn)(nil)
	_ driver.Pinger             = (*conn)(nil)
	_ driver.SessionResetter    = (*conn)(nil)
	_ driver.Validator          = (*conn)(nil)
	_ driver.NamedValueChecker  = (*conn)(nil)
)

// Record returns the meta model record of the connection.
func (c *conn) Record() *qmm.Connection { return c.qm }

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var (
		ps  driver.Stmt
		err error
	)
	if pc, ok := c.parent.(driver.ConnPrepareContext); ok {
		ps, err = pc.PrepareContext(ctx, query)
	} else {
		ps, err = c.parent.Prepare(query)
	}
	if err != nil {
		return nil, err
	}
	s := &stmt{parent: ps, conn: c, query: query}
	c.qm.OpenStatement(purposeFrom(ctx), s)
	return s, nil
}

func (c *conn) Close() error {
	err := c.parent.Close()
	c.qm.Close()
	return err
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	var (
		ptx driver.Tx
		err error
	)
	if bt, ok := c.parent.(driver.ConnBeginTx); ok {
		ptx, err = bt.BeginTx(ctx, opts)
	} else {
		if opts.Isolation != 0 || opts.ReadOnly {
			return nil, errLevelNotSupported
		}
		ptx, err = c.parent.Begin()
	}
	if err != nil {
		return nil, err
	}
	c.sqlTx = false
	c.qm.ChangeTransactional(true)
	return &tx{parent: ptx, conn: c}, nil
}

// direct reports whether a call may run on the direct path.
// Calls with arguments always take the prepared path: some drivers only
// decide to skip after being called, which would leave an execution record
// behind for a query that never ran.
func (c *conn) direct(args []driver.NamedValue) bool {
	return len(args) == 0 && !c.preparedOnly
}

// ExecContext records a direct execution as a short-lived statement.
func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execer, ok := c.parent.(driver.ExecerContext)
	if !ok || !c.direct(args) {
		return nil, driver.ErrSkip
	}
	h := &directStatement{query: query, formatted: formatQuery(query, args)}
	c.qm.OpenStatement(purposeFrom(ctx), h)
	c.qm.BeginExecution(h)
	res, err := execer.ExecContext(ctx, query, args)
	if errors.Is(err, driver.ErrSkip) {
		// The parent wants the prepared path, which records on its own.
		c.skipDirect(h)
		return nil, err
	}
	c.qm.EndExecution(h, rowsAffected(res, err), codedError(err))
	c.qm.CloseStatement(h, -1)
	if err == nil {
		c.applyControl(query)
	}
	return res, err
}

// QueryContext records a direct query. The statement stays open until the
// returned rows are closed.
func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	queryer, ok := c.parent.(driver.QueryerContext)
	if !ok || !c.direct(args) {
		return nil, driver.ErrSkip
	}
	h := &directStatement{query: query, formatted: formatQuery(query, args)}
	c.qm.OpenStatement(purposeFrom(ctx), h)
	c.qm.BeginExecution(h)
	pr, err := queryer.QueryContext(ctx, query, args)
	if err != nil {
		if errors.Is(err, driver.ErrSkip) {
			c.skipDirect(h)
			return nil, err
		}
		c.qm.EndExecution(h, -1, codedError(err))
		c.qm.CloseStatement(h, -1)
		return nil, err
	}
	c.qm.EndExecution(h, -1, nil)
	c.qm.BeginFetch(h)
	c.applyControl(query)
	return &rows{parent: pr, qm: c.qm, handle: h, ownsStatement: true}, nil
}

// skipDirect ends the records of a direct call the parent declined. The
// execution is marked with driver.ErrSkip so readers can tell it never ran.
func (c *conn) skipDirect(h *directStatement) {
	c.preparedOnly = true
	c.qm.EndExecution(h, -1, driver.ErrSkip)
	c.qm.CloseStatement(h, -1)
	c.logger.Debug("driver skipped direct call, using prepared statements",
		"connection", c.qm.Text())
}

func (c *conn) Ping(ctx context.Context) error {
	if p, ok := c.parent.(driver.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (c *conn) ResetSession(ctx context.Context) error {
	if r, ok := c.parent.(driver.SessionResetter); ok {
		return r.ResetSession(ctx)
	}
	return nil
}

func (c *conn) IsValid() bool {
	if v, ok := c.parent.(driver.Validator); ok {
		return v.IsValid()
	}
	return true
}

func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if nc, ok := c.parent.(driver.NamedValueChecker); ok {
		return nc.CheckNamedValue(nv)
	}
	return driver.ErrSkip
}

// applyControl mirrors SQL-level transaction control in the meta model
// after the statement succeeded.
func (c *conn) applyControl(query string) {
	ctl := c.dialect.ParseControl(query)
	switch ctl.Kind {
	case dialect.ControlNone:
		return
	case dialect.ControlBegin:
		c.beginSQLTx()
	case dialect.ControlCommit:
		c.qm.Commit()
		c.endSQLTx()
	case dialect.ControlRollback:
		c.qm.Rollback(nil)
		c.endSQLTx()
	case dialect.ControlSavepoint:
		// SQLite starts a transaction for a savepoint outside one.
		c.beginSQLTx()
		c.qm.SetSavepoint(qmm.NamedSavepoint(ctl.Savepoint))
	case dialect.ControlRollbackTo:
		if _, ok := c.qm.Rollback(qmm.NamedSavepoint(ctl.Savepoint)); !ok {
			c.logger.Warn("rollback to unknown savepoint",
				"connection", c.qm.Text(), "savepoint", ctl.Savepoint)
		}
	case dialect.ControlRelease:
		c.qm.ReleaseSavepoint(qmm.NamedSavepoint(ctl.Savepoint))
	}
	c.logger.Debug("transaction control", "connection", c.qm.Text(), "kind", ctl.Kind.String())
}

func (c *conn) beginSQLTx() {
	if c.qm.IsTransactional() {
		return
	}
	c.qm.ChangeTransactional(true)
	c.sqlTx = true
}

func (c *conn) endSQLTx() {
	if !c.sqlTx {
		return
	}
	c.sqlTx = false
	c.qm.ChangeTransactional(false)
}

func rowsAffected(res driver.Result, err error) int64 {
	if err != nil || res == nil {
		return -1
	}
	n, rerr := res.RowsAffected()
	if rerr != nil {
		return -1
	}
	return n
}
