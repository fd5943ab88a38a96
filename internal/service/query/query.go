// Package query runs SQL through a recording *sql.DB so every statement
// lands in the query meta model.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"querymeta/internal/dialect"
	"querymeta/internal/domain"
	"querymeta/internal/recorder"
)

// DefaultMaxRows caps the rows kept in a Result.
const DefaultMaxRows = 1000

// Result holds the structured output of one statement.
type Result struct {
	Statement    string
	Columns      []string
	Rows         [][]any
	RowCount     int
	RowsAffected int64 // -1 for statements that return rows
	Truncated    bool
	Duration     time.Duration
}

// StatementError reports which statement of a script failed.
type StatementError struct {
	Index     int // zero-based
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %d (%s): %v", e.Index+1, dialect.Summarize(e.Statement, 60), e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Service executes SQL against the recorded target database.
type Service struct {
	db      *sql.DB
	maxRows int
	logger  *slog.Logger
}

// NewService creates a Service. maxRows <= 0 selects DefaultMaxRows.
func NewService(db *sql.DB, maxRows int, logger *slog.Logger) *Service {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, maxRows: maxRows, logger: logger}
}

// Execute runs a single statement as a user query.
func (s *Service) Execute(ctx context.Context, sqlQuery string) (*Result, error) {
	stmts := dialect.SplitStatements(sqlQuery)
	switch len(stmts) {
	case 0:
		return nil, domain.ErrValidation("sql query is required")
	case 1:
	default:
		return nil, domain.ErrValidation("expected one statement, got %d", len(stmts))
	}
	ctx = recorder.WithPurpose(ctx, domain.PurposeUserQuery)
	return s.run(ctx, s.db, stmts[0])
}

// RunScript runs every statement of script in order on one connection, so
// transaction control statements in the script apply to the statements
// after them. It stops at the first failing statement and returns the
// results so far with a *StatementError.
func (s *Service) RunScript(ctx context.Context, script string) ([]Result, error) {
	stmts := dialect.SplitStatements(script)
	if len(stmts) == 0 {
		return nil, domain.ErrValidation("script contains no statements")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	ctx = recorder.WithPurpose(ctx, domain.PurposeUserScript)
	results := make([]Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := s.run(ctx, conn, stmt)
		if err != nil {
			s.logger.Warn("script statement failed", "index", i+1, "error", err)
			return results, &StatementError{Index: i, Statement: stmt, Err: err}
		}
		results = append(results, *res)
	}
	return results, nil
}

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Service) run(ctx context.Context, q querier, stmt string) (*Result, error) {
	start := time.Now()
	if !dialect.ReturnsRows(stmt) {
		res, err := q.ExecContext(ctx, stmt)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = -1
		}
		return &Result{Statement: stmt, RowsAffected: n, Duration: time.Since(start)}, nil
	}

	rows, err := q.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	res, err := s.scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	res.Statement = stmt
	res.Duration = time.Since(start)
	return res, nil
}

// scanRows reads the whole result set so the fetch is recorded in full,
// keeping at most maxRows rows.
func (s *Service) scanRows(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols, RowsAffected: -1}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.RowCount++
		if len(res.Rows) >= s.maxRows {
			res.Truncated = true
			continue
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// FormatValue renders a scanned value for table output.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case string:
		return strings.ReplaceAll(x, "\n", " ")
	default:
		return fmt.Sprint(x)
	}
}
