package recorder

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querymeta/internal/dialect"
	"querymeta/internal/domain"
	"querymeta/internal/qmm"
)

func openRecorded(t *testing.T) (*sql.DB, *qmm.Collector) {
	t.Helper()
	col := qmm.NewCollector(
		qmm.WithDialects(dialect.ClassifierFor),
		qmm.WithClassifier(dialect.Generic{}),
		qmm.WithLogger(slog.New(slog.DiscardHandler)),
	)
	path := filepath.Join(t.TempDir(), "target.db")
	db, err := Open("sqlite3", path, col,
		WithInfo(domain.ConnectionInfo{ContainerID: "local", ContainerName: "Local", ContextName: "Main"}),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT UNIQUE)")
	require.NoError(t, err)
	return db, col
}

func onlyConnection(t *testing.T, col *qmm.Collector) *qmm.Connection {
	t.Helper()
	conns := col.Connections()
	require.Len(t, conns, 1)
	return conns[0]
}

func latestExecution(t *testing.T, conn *qmm.Connection) qmm.Execution {
	t.Helper()
	for e := range conn.ExecutionChain() {
		return e
	}
	t.Fatal("no executions recorded")
	return qmm.Execution{}
}

func TestOpen_RecordsConnectionInfo(t *testing.T) {
	_, col := openRecorded(t)
	info := onlyConnection(t, col).Info()
	assert.Equal(t, "sqlite3", info.DriverID)
	assert.Equal(t, dialect.NameSQLite, info.Dialect)
	assert.Equal(t, "Local - Main", onlyConnection(t, col).Text())
}

func TestExec_RecordsUpdateCount(t *testing.T) {
	db, col := openRecorded(t)
	res, err := db.Exec("INSERT INTO t (id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	conn := onlyConnection(t, col)
	e := latestExecution(t, conn)
	assert.Equal(t, "INSERT INTO t (id, name) VALUES (1, 'a')", e.QueryText)
	assert.Equal(t, int64(1), e.UpdateRowCount)
	assert.True(t, e.Transactional)
	assert.True(t, e.IsClosed())
	assert.True(t, e.Statement().IsClosed())
}

func TestQuery_RecordsFetch(t *testing.T) {
	db, col := openRecorded(t)
	for i, name := range []string{"a", "b", "c"} {
		_, err := db.Exec("INSERT INTO t (id, name) VALUES (?, ?)", i+1, name)
		require.NoError(t, err)
	}

	rows, err := db.Query("SELECT id, name FROM t ORDER BY id")
	require.NoError(t, err)
	var got []string
	for rows.Next() {
		var id int
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		got = append(got, name)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"a", "b", "c"}, got)

	e := latestExecution(t, onlyConnection(t, col))
	assert.Equal(t, "SELECT id, name FROM t ORDER BY id", e.QueryText)
	assert.Equal(t, int64(3), e.FetchRowCount)
	assert.Equal(t, int64(-1), e.UpdateRowCount)
	assert.False(t, e.Transactional)
	_, ok := e.FetchDuration()
	assert.True(t, ok)
	assert.True(t, e.Statement().IsClosed())
}

func TestExec_InlinesArguments(t *testing.T) {
	db, col := openRecorded(t)
	_, err := db.Exec("INSERT INTO t (id, name) VALUES (?, ?)", 7, "o'neil")
	require.NoError(t, err)

	e := latestExecution(t, onlyConnection(t, col))
	assert.Equal(t, "INSERT INTO t (id, name) VALUES (7, 'o''neil')", e.QueryText)
}

func TestPreparedStatement_OneRecordManyExecutions(t *testing.T) {
	db, col := openRecorded(t)
	ps, err := db.Prepare("INSERT INTO t (id, name) VALUES (?, ?)")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := ps.Exec(i, "n")
		if i > 1 {
			require.Error(t, err, "name is unique")
			continue
		}
		require.NoError(t, err)
	}
	require.NoError(t, ps.Close())

	conn := onlyConnection(t, col)
	stmtID := latestExecution(t, conn).Statement().ID
	var execs []qmm.Execution
	for e := range conn.ExecutionChain() {
		if e.Statement().ID == stmtID {
			execs = append(execs, e)
		}
	}
	require.Len(t, execs, 3)
	assert.True(t, execs[0].HasError())
	assert.False(t, execs[2].HasError())
	assert.Equal(t, "INSERT INTO t (id, name) VALUES (1, 'n')", execs[2].QueryText)
	assert.True(t, execs[0].Statement().IsClosed())
}

func TestExec_RecordsDriverErrorCode(t *testing.T) {
	db, col := openRecorded(t)
	_, err := db.Exec("INSERT INTO t (id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (id, name) VALUES (2, 'a')")
	require.Error(t, err)

	var liteErr sqlite3.Error
	require.ErrorAs(t, err, &liteErr, "driver error is returned unchanged")

	e := latestExecution(t, onlyConnection(t, col))
	require.True(t, e.HasError())
	require.NotNil(t, e.ErrorCode)
	assert.Equal(t, int(sqlite3.ErrConstraintUnique), *e.ErrorCode)
	assert.True(t, e.Transactional)
}

func TestBeginTx_CommitAndRollback(t *testing.T) {
	db, col := openRecorded(t)
	ctx := context.Background()

	txn, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = txn.ExecContext(ctx, "INSERT INTO t (id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	conn := onlyConnection(t, col)
	assert.False(t, conn.IsTransactional())
	insert := latestExecution(t, conn)
	sp, ok := insert.Savepoint()
	require.True(t, ok)
	assert.Equal(t, domain.True, sp.Transaction().Committed)

	txn, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = txn.ExecContext(ctx, "DELETE FROM t")
	require.NoError(t, err)
	require.NoError(t, txn.Rollback())

	del := latestExecution(t, conn)
	sp, ok = del.Savepoint()
	require.True(t, ok)
	assert.Equal(t, domain.False, sp.Transaction().Committed)

	var count int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM t").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLTransactionControl(t *testing.T) {
	db, col := openRecorded(t)
	ctx := context.Background()
	c, err := db.Conn(ctx)
	require.NoError(t, err)
	defer c.Close()

	for _, q := range []string{
		"BEGIN",
		"SAVEPOINT a",
		"INSERT INTO t (id, name) VALUES (1, 'a')",
		"ROLLBACK TO a",
		"COMMIT",
	} {
		_, err := c.ExecContext(ctx, q)
		require.NoError(t, err, q)
	}

	conn := onlyConnection(t, col)
	assert.False(t, conn.IsTransactional(), "COMMIT restores auto-commit")

	var insert qmm.Execution
	for e := range conn.ExecutionChain() {
		if e.QueryText == "INSERT INTO t (id, name) VALUES (1, 'a')" {
			insert = e
		}
	}
	sp, ok := insert.Savepoint()
	require.True(t, ok)
	assert.Equal(t, "a", sp.Name)
	assert.Equal(t, domain.False, sp.Committed)

	epoch := sp.Transaction()
	assert.Equal(t, domain.True, epoch.Committed)
	var names []string
	for s := range epoch.Savepoints() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", ""}, names)
}

func TestWithPurpose(t *testing.T) {
	db, col := openRecorded(t)
	ctx := WithPurpose(context.Background(), domain.PurposeMeta)
	_, err := db.ExecContext(ctx, "DELETE FROM t")
	require.NoError(t, err)

	e := latestExecution(t, onlyConnection(t, col))
	assert.Equal(t, domain.PurposeMeta, e.Statement().Purpose)
}

func TestClose_ClosesConnectionRecord(t *testing.T) {
	db, col := openRecorded(t)
	require.NoError(t, db.Close())
	assert.True(t, onlyConnection(t, col).State().IsClosed())
}
