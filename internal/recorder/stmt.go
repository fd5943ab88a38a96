package recorder

import (
	"context"
	"database/sql/driver"
	"fmt"

	"querymeta/internal/dialect"
	"querymeta/internal/qmm"
)

// stmt is a recorded prepared statement. It is the qmm statement handle for
// its own record.
type stmt struct {
	parent driver.Stmt
	conn   *conn
	query  string

	// formatted is the query with the arguments of the current execution
	// inlined.
	formatted string
}

var (
	_ driver.Stmt             = (*stmt)(nil)
	_ driver.StmtExecContext  = (*stmt)(nil)
	_ driver.StmtQueryContext = (*stmt)(nil)
	_ qmm.FormattedStatement  = (*stmt)(nil)
)

func (s *stmt) QueryString() string { return s.query }

func (s *stmt) FormattedQuery() string {
	if s.formatted == "" {
		return s.query
	}
	return s.formatted
}

func (s *stmt) Close() error {
	s.conn.qm.CloseStatement(s, -1)
	return s.parent.Close()
}

func (s *stmt) NumInput() int { return s.parent.NumInput() }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), namedValues(args))
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), namedValues(args))
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	qm := s.conn.qm
	s.formatted = formatQuery(s.query, args)
	qm.BeginExecution(s)
	var (
		res driver.Result
		err error
	)
	if ec, ok := s.parent.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		var vals []driver.Value
		if vals, err = plainValues(args); err == nil {
			res, err = s.parent.Exec(vals)
		}
	}
	qm.EndExecution(s, rowsAffected(res, err), codedError(err))
	if err == nil {
		s.conn.applyControl(s.query)
	}
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	qm := s.conn.qm
	s.formatted = formatQuery(s.query, args)
	qm.BeginExecution(s)
	var (
		pr  driver.Rows
		err error
	)
	if qc, ok := s.parent.(driver.StmtQueryContext); ok {
		pr, err = qc.QueryContext(ctx, args)
	} else {
		var vals []driver.Value
		if vals, err = plainValues(args); err == nil {
			pr, err = s.parent.Query(vals)
		}
	}
	if err != nil {
		qm.EndExecution(s, -1, codedError(err))
		return nil, err
	}
	qm.EndExecution(s, -1, nil)
	qm.BeginFetch(s)
	return &rows{parent: pr, qm: qm, handle: s}, nil
}

// directStatement is the handle of a query run without an explicit prepare.
type directStatement struct {
	query     string
	formatted string
}

func (d *directStatement) QueryString() string    { return d.query }
func (d *directStatement) FormattedQuery() string { return d.formatted }

// rows counts fetched rows and closes the fetch phase on Close.
type rows struct {
	parent driver.Rows
	qm     *qmm.Connection
	handle qmm.StatementHandle
	// ownsStatement is set for direct queries whose statement record ends
	// with the result set.
	ownsStatement bool

	fetched int64
	closed  bool
}

func (r *rows) Columns() []string { return r.parent.Columns() }

func (r *rows) Next(dest []driver.Value) error {
	err := r.parent.Next(dest)
	if err == nil {
		r.fetched++
	}
	return err
}

func (r *rows) Close() error {
	err := r.parent.Close()
	if r.closed {
		return err
	}
	r.closed = true
	r.qm.EndFetch(r.handle, r.fetched)
	if r.ownsStatement {
		r.qm.CloseStatement(r.handle, -1)
	}
	return err
}

func (r *rows) ColumnTypeDatabaseTypeName(index int) string {
	if ct, ok := r.parent.(driver.RowsColumnTypeDatabaseTypeName); ok {
		return ct.ColumnTypeDatabaseTypeName(index)
	}
	return ""
}

// tx mirrors commit and rollback of a BeginTx transaction. The connection
// returns to auto-commit mode afterwards.
type tx struct {
	parent driver.Tx
	conn   *conn
}

func (t *tx) Commit() error {
	err := t.parent.Commit()
	if err != nil {
		t.conn.qm.Rollback(nil)
	} else {
		t.conn.qm.Commit()
	}
	t.conn.qm.ChangeTransactional(false)
	return err
}

func (t *tx) Rollback() error {
	err := t.parent.Rollback()
	t.conn.qm.Rollback(nil)
	t.conn.qm.ChangeTransactional(false)
	return err
}

func formatQuery(query string, args []driver.NamedValue) string {
	if len(args) == 0 {
		return query
	}
	vals := make([]any, len(args))
	for i, a := range args {
		if a.Name != "" {
			return query
		}
		vals[i] = a.Value
	}
	return dialect.InlineArgs(query, vals)
}

func namedValues(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

func plainValues(args []driver.NamedValue) ([]driver.Value, error) {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		if a.Name != "" {
			return nil, fmt.Errorf("recorder: driver does not support named parameter %q", a.Name)
		}
		out[i] = a.Value
	}
	return out, nil
}
