package qmm

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querymeta/internal/domain"
)

func TestDuration_StableAfterClose(t *testing.T) {
	h := newHarness(t, false)
	stmt := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, stmt)

	closed, ok := h.conn.CloseStatement(stmt, -1)
	require.True(t, ok)
	d, ok := closed.Duration()
	require.True(t, ok)
	assert.Equal(t, closed.CloseTime.Sub(closed.OpenTime), d)

	// A second close finds nothing and must not touch the recorded close time.
	_, ok = h.conn.CloseStatement(stmt, -1)
	assert.False(t, ok)
	assert.Equal(t, 1, h.logs.Count("statement meta info not found"))

	again := collect(h.conn.StatementChain())[0]
	assert.Equal(t, closed.CloseTime, again.CloseTime)
	d2, _ := again.Duration()
	assert.Equal(t, d, d2)
}

func TestDuration_OpenObjectNotAvailable(t *testing.T) {
	h := newHarness(t, false)
	s := h.conn.OpenStatement(domain.PurposeUserQuery, &fakeStatement{query: "SELECT 1"})
	_, ok := s.Duration()
	assert.False(t, ok)
	assert.False(t, s.IsClosed())
}

func TestCommit_ChainsEpochs(t *testing.T) {
	h := newHarness(t, true)
	t0, ok := h.conn.CurrentTransaction()
	require.True(t, ok)
	s0, ok := t0.CurrentSavepoint()
	require.True(t, ok)
	assert.True(t, s0.IsRoot())

	finished, ok := h.conn.Commit()
	require.True(t, ok)
	assert.Equal(t, t0.ID, finished.ID)
	assert.Equal(t, domain.True, finished.Committed)
	assert.True(t, finished.IsClosed())

	root := collect(finished.Savepoints())
	require.Len(t, root, 1)
	assert.True(t, root[0].IsClosed())
	assert.Equal(t, domain.True, root[0].Committed)

	t1, ok := h.conn.CurrentTransaction()
	require.True(t, ok)
	assert.NotEqual(t, t0.ID, t1.ID)
	prev, ok := t1.Previous()
	require.True(t, ok)
	assert.Equal(t, t0.ID, prev.ID)

	s1, ok := t1.CurrentSavepoint()
	require.True(t, ok)
	assert.NotEqual(t, s0.ID, s1.ID)
	assert.False(t, s1.IsClosed())
	assert.Equal(t, domain.Unknown, s1.Committed)
}

func TestRollback_FullEpoch(t *testing.T) {
	h := newHarness(t, true)
	t0, _ := h.conn.CurrentTransaction()
	_, ok := h.conn.SetSavepoint(NamedSavepoint("s1"))
	require.True(t, ok)

	rec, ok := h.conn.Rollback(nil)
	require.True(t, ok)
	finished, isTx := rec.(Transaction)
	require.True(t, isTx)
	assert.Equal(t, t0.ID, finished.ID)
	assert.Equal(t, domain.False, finished.Committed)
	assert.True(t, finished.IsClosed())

	sps := collect(finished.Savepoints())
	require.Len(t, sps, 2)
	for _, sp := range sps {
		assert.True(t, sp.IsClosed(), sp.Text())
		assert.Equal(t, domain.False, sp.Committed, sp.Text())
	}

	t2, ok := h.conn.CurrentTransaction()
	require.True(t, ok)
	assert.NotEqual(t, t0.ID, t2.ID)
	prev, ok := t2.Previous()
	require.True(t, ok)
	assert.Equal(t, t0.ID, prev.ID)
}

func TestRollback_ToSavepoint(t *testing.T) {
	h := newHarness(t, true)
	t0, _ := h.conn.CurrentTransaction()
	s1ref := NamedSavepoint("s1")
	_, ok := h.conn.SetSavepoint(s1ref)
	require.True(t, ok)
	_, ok = h.conn.SetSavepoint(NamedSavepoint("s2"))
	require.True(t, ok)

	rec, ok := h.conn.Rollback(s1ref)
	require.True(t, ok)
	found, isSp := rec.(Savepoint)
	require.True(t, isSp)
	assert.Equal(t, "s1", found.Name)

	cur, ok := h.conn.CurrentTransaction()
	require.True(t, ok)
	assert.Equal(t, t0.ID, cur.ID, "no new epoch")
	assert.False(t, cur.IsClosed())

	sps := collect(cur.Savepoints())
	require.Len(t, sps, 3)
	assert.Equal(t, "s2", sps[0].Name)
	assert.True(t, sps[0].IsClosed())
	assert.Equal(t, domain.False, sps[0].Committed)
	assert.Equal(t, "s1", sps[1].Name)
	assert.True(t, sps[1].IsClosed())
	assert.Equal(t, domain.False, sps[1].Committed)
	assert.True(t, sps[2].IsRoot())
	assert.False(t, sps[2].IsClosed())
}

func TestRollback_AbsentSavepointClosesWholeChain(t *testing.T) {
	h := newHarness(t, true)
	t0, _ := h.conn.CurrentTransaction()
	_, _ = h.conn.SetSavepoint(NamedSavepoint("s1"))

	rec, ok := h.conn.Rollback(NamedSavepoint("missing"))
	assert.False(t, ok)
	assert.Nil(t, rec)

	cur, _ := h.conn.CurrentTransaction()
	assert.Equal(t, t0.ID, cur.ID)
	for sp := range cur.Savepoints() {
		assert.True(t, sp.IsClosed(), sp.Text())
	}
}

func TestReleaseSavepoint(t *testing.T) {
	h := newHarness(t, true)
	ref := NamedSavepoint("a")
	_, _ = h.conn.SetSavepoint(ref)
	_, _ = h.conn.SetSavepoint(NamedSavepoint("b"))

	_, ok := h.conn.ReleaseSavepoint(NamedSavepoint("zzz"))
	assert.False(t, ok)

	released, ok := h.conn.ReleaseSavepoint(ref)
	require.True(t, ok)
	assert.Equal(t, domain.True, released.Committed)

	cur, _ := h.conn.CurrentTransaction()
	sps := collect(cur.Savepoints())
	require.Len(t, sps, 3)
	assert.True(t, sps[0].IsClosed())
	assert.True(t, sps[1].IsClosed())
	assert.False(t, sps[2].IsClosed())
}

func TestNotTransactional_CommitAndRollbackAreNoops(t *testing.T) {
	h := newHarness(t, false)
	_, ok := h.conn.Commit()
	assert.False(t, ok)
	_, ok = h.conn.Rollback(nil)
	assert.False(t, ok)
	_, ok = h.conn.SetSavepoint(NamedSavepoint("x"))
	assert.False(t, ok)
	_, ok = h.conn.CurrentTransaction()
	assert.False(t, ok)
	assert.Empty(t, collect(h.conn.TransactionChain()))
}

func TestExecution_CorrelatesWithStatementAndSavepoint(t *testing.T) {
	h := newHarness(t, true)
	h1 := &fakeStatement{query: "INSERT INTO t VALUES (1)"}
	h.conn.OpenStatement(domain.PurposeUserQuery, h1)
	tx, _ := h.conn.CurrentTransaction()
	current, _ := tx.CurrentSavepoint()

	began, ok := h.conn.BeginExecution(h1)
	require.True(t, ok)
	assert.Equal(t, int64(-1), began.UpdateRowCount)

	ended, ok := h.conn.EndExecution(h1, 1, nil)
	require.True(t, ok)
	assert.Equal(t, began.ID, ended.ID)
	assert.Equal(t, int64(1), ended.UpdateRowCount)
	assert.True(t, ended.Transactional)
	assert.False(t, ended.HasError())
	assert.Equal(t, "INSERT INTO t VALUES (1)", ended.QueryText)

	sp, ok := ended.Savepoint()
	require.True(t, ok)
	assert.Equal(t, current.ID, sp.ID)

	last, ok := sp.LastExecution()
	require.True(t, ok)
	assert.Equal(t, ended.ID, last.ID)
	assert.Equal(t, domain.PurposeUserQuery, ended.Statement().Purpose)
}

func TestExecution_NonTransactionalHasNoSavepoint(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	e, ok := h.conn.BeginExecution(st)
	require.True(t, ok)
	_, ok = e.Savepoint()
	assert.False(t, ok)

	e, _ = h.conn.EndExecution(st, -1, nil)
	assert.False(t, e.Transactional, "select without update count")
}

func TestExecution_FormattedQueryPreferred(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeParamStatement{query: "SELECT * FROM t WHERE id = ?", formatted: "SELECT * FROM t WHERE id = 42"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	e, ok := h.conn.BeginExecution(st)
	require.True(t, ok)
	assert.Equal(t, "SELECT * FROM t WHERE id = 42", e.QueryText)
}

func TestExecution_MetaPurposeSkipsClassifier(t *testing.T) {
	called := false
	h := newHarness(t, false, WithClassifier(classifierFunc(func(string) bool {
		called = true
		return true
	})))
	st := &fakeStatement{query: "DELETE FROM catalog_cache"}
	h.conn.OpenStatement(domain.PurposeMeta, st)
	e, ok := h.conn.BeginExecution(st)
	require.True(t, ok)
	assert.False(t, called)
	assert.False(t, e.Transactional)
}

func TestExecution_ErrorForcesTransactional(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "SELECT broken"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	_, _ = h.conn.BeginExecution(st)

	driverErr := &CodedError{Code: 1064, Err: errors.New("syntax error")}
	e, ok := h.conn.EndExecution(st, -1, driverErr)
	require.True(t, ok)
	assert.True(t, e.Transactional)
	assert.True(t, e.HasError())
	require.NotNil(t, e.ErrorCode)
	assert.Equal(t, 1064, *e.ErrorCode)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "syntax error", *e.ErrorMessage)
}

func TestExecution_PlainErrorHasNoCode(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	_, _ = h.conn.BeginExecution(st)
	e, _ := h.conn.EndExecution(st, -1, errors.New("boom"))
	assert.Nil(t, e.ErrorCode)
	require.NotNil(t, e.ErrorMessage)
}

func TestBeginExecution_UnknownHandle(t *testing.T) {
	h := newHarness(t, false)
	_, ok := h.conn.BeginExecution(&fakeStatement{query: "SELECT 1"})
	assert.False(t, ok)
	assert.Equal(t, 1, h.logs.Count("statement meta info not found"))
	assert.Empty(t, collect(h.conn.ExecutionChain()))
}

func TestEndExecution_UnknownHandle(t *testing.T) {
	h := newHarness(t, false)
	_, ok := h.conn.EndExecution(&fakeStatement{query: "SELECT 1"}, 0, nil)
	assert.False(t, ok)
	assert.Equal(t, 1, h.logs.Count("execution meta info not found"))
}

func TestEndExecution_ClosesMostRecentOpenOnly(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "UPDATE t SET x = 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	first, _ := h.conn.BeginExecution(st)
	_, _ = h.conn.EndExecution(st, 3, nil)
	second, _ := h.conn.BeginExecution(st)
	ended, ok := h.conn.EndExecution(st, 5, nil)
	require.True(t, ok)
	assert.Equal(t, second.ID, ended.ID)

	execs := collect(h.conn.ExecutionChain())
	require.Len(t, execs, 2)
	assert.Equal(t, first.ID, execs[1].ID)
	assert.Equal(t, int64(3), execs[1].UpdateRowCount)
	assert.Equal(t, int64(5), execs[0].UpdateRowCount)
}

func TestCloseStatement_EndsOpenExecution(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "DELETE FROM t"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	_, _ = h.conn.BeginExecution(st)

	closed, ok := h.conn.CloseStatement(st, 7)
	require.True(t, ok)
	assert.True(t, closed.IsClosed())

	e := collect(h.conn.ExecutionChain())[0]
	assert.True(t, e.IsClosed())
	assert.Equal(t, int64(7), e.UpdateRowCount)
}

func TestFetch_StampsLatestExecution(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "SELECT * FROM t"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	e, _ := h.conn.BeginExecution(st)
	_, _ = h.conn.EndExecution(st, -1, nil)

	f, ok := h.conn.BeginFetch(st)
	require.True(t, ok)
	assert.Equal(t, e.ID, f.ID, "fetch attaches to the ended execution")
	assert.False(t, f.FetchBeginTime.IsZero())

	f, ok = h.conn.EndFetch(st, 42)
	require.True(t, ok)
	assert.Equal(t, int64(42), f.FetchRowCount)
	d, ok := f.FetchDuration()
	require.True(t, ok)
	assert.Positive(t, d)
}

func TestFetch_LazilyBeginsExecution(t *testing.T) {
	h := newHarness(t, false)
	st := &fakeStatement{query: "SELECT * FROM t"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)

	f, ok := h.conn.BeginFetch(st)
	require.True(t, ok)
	assert.Equal(t, "SELECT * FROM t", f.QueryText)
	assert.Len(t, collect(h.conn.ExecutionChain()), 1)

	_, ok = h.conn.BeginFetch(&fakeStatement{query: "SELECT 2"})
	assert.False(t, ok)
}

func TestClose_ForceClosesLeakedStatement(t *testing.T) {
	h := newHarness(t, true)
	closedStmt := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, closedStmt)
	h.conn.CloseStatement(closedStmt, -1)

	h2 := &fakeStatement{query: "SELECT * FROM leaked"}
	h.conn.OpenStatement(domain.PurposeUserQuery, h2)
	_, _ = h.conn.BeginExecution(h2)

	h.conn.Close()

	assert.Equal(t, 1, h.logs.Count("statement is not closed"))
	assert.Contains(t, h.logs.String(), "SELECT * FROM leaked")

	stmts := collect(h.conn.StatementChain())
	require.Len(t, stmts, 2)
	assert.True(t, stmts[0].IsClosed())
	assert.False(t, stmts[0].CloseTime.IsZero())

	e := collect(h.conn.ExecutionChain())[0]
	assert.True(t, e.IsClosed())

	tx := collect(h.conn.TransactionChain())
	require.Len(t, tx, 1, "close rolls back without starting an epoch")
	assert.Equal(t, domain.False, tx[0].Committed)
	assert.True(t, h.conn.State().IsClosed())

	// Closing again logs nothing new.
	h.conn.Close()
	assert.Equal(t, 1, h.logs.Count("statement is not closed"))
}

func TestExecutionChain_ReverseChronological(t *testing.T) {
	h := newHarness(t, false)
	var ids []uint64
	for _, q := range []string{"SELECT 1", "SELECT 2", "SELECT 3"} {
		st := &fakeStatement{query: q}
		h.conn.OpenStatement(domain.PurposeUserQuery, st)
		e, ok := h.conn.BeginExecution(st)
		require.True(t, ok)
		_, _ = h.conn.EndExecution(st, -1, nil)
		h.conn.CloseStatement(st, -1)
		ids = append(ids, e.ID)
	}

	chain := collect(h.conn.ExecutionChain())
	require.Len(t, chain, 3)
	assert.Equal(t, []string{"SELECT 3", "SELECT 2", "SELECT 1"},
		[]string{chain[0].QueryText, chain[1].QueryText, chain[2].QueryText})
	assert.Equal(t, []uint64{ids[2], ids[1], ids[0]}, []uint64{chain[0].ID, chain[1].ID, chain[2].ID})

	// Walking via Previous gives the same order and stops at the first.
	e := chain[0]
	n := 1
	for {
		p, ok := e.Previous()
		if !ok {
			break
		}
		e = p
		n++
	}
	assert.Equal(t, 3, n)
	assert.Equal(t, ids[0], e.ID)

	// The chain restarts from the head on each range.
	assert.Len(t, collect(h.conn.ExecutionChain()), 3)
}

func TestChain_HeadCapturedAtCallTime(t *testing.T) {
	h := newHarness(t, false)
	h.conn.OpenStatement(domain.PurposeUserQuery, &fakeStatement{query: "a"})
	seq := h.conn.StatementChain()
	h.conn.OpenStatement(domain.PurposeUserQuery, &fakeStatement{query: "b"})
	assert.Len(t, collect(seq), 1)
	assert.Len(t, collect(h.conn.StatementChain()), 2)
}

func TestChangeTransactional(t *testing.T) {
	h := newHarness(t, false)
	_, ok := h.conn.ChangeTransactional(false)
	assert.False(t, ok, "unchanged flag")

	_, ok = h.conn.ChangeTransactional(true)
	assert.False(t, ok, "first epoch has no predecessor")
	first, ok := h.conn.CurrentTransaction()
	require.True(t, ok)

	prev, ok := h.conn.ChangeTransactional(false)
	require.True(t, ok)
	assert.Equal(t, first.ID, prev.ID)
	assert.Equal(t, domain.True, prev.Committed)

	_, ok = h.conn.CurrentTransaction()
	assert.False(t, ok)
	assert.Len(t, collect(h.conn.TransactionChain()), 2, "an unused epoch is allocated anyway")
}

func TestReopen_KeepsHistory(t *testing.T) {
	h := newHarness(t, true)
	st := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	h.conn.CloseStatement(st, -1)
	h.conn.Close()
	before, _ := h.conn.State().Duration()
	assert.Positive(t, before)

	info := testInfo()
	info.ContainerName = "Renamed"
	h.conn.Reopen(info)

	state := h.conn.State()
	assert.False(t, state.IsClosed())
	assert.Equal(t, "Renamed - Main", state.Text())
	assert.Len(t, collect(h.conn.StatementChain()), 1)

	cur, ok := h.conn.CurrentTransaction()
	require.True(t, ok)
	assert.False(t, cur.IsClosed())
	prev, ok := cur.Previous()
	require.True(t, ok)
	assert.Equal(t, domain.False, prev.Committed)
}

func TestTakeUpdated_ClearsDirtyFlags(t *testing.T) {
	h := newHarness(t, true)
	recs := h.conn.TakeUpdated()
	// connection, transaction, root savepoint
	require.Len(t, recs, 3)
	assert.IsType(t, ConnectionState{}, recs[0])
	assert.IsType(t, Transaction{}, recs[1])
	assert.IsType(t, Savepoint{}, recs[2])
	assert.Empty(t, h.conn.TakeUpdated())

	st := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	recs = h.conn.TakeUpdated()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.KindStatement, recs[0].Meta().Kind)
}

func TestSnapshot_RecordsOrderedByID(t *testing.T) {
	h := newHarness(t, true)
	st := &fakeStatement{query: "INSERT INTO t VALUES (1)"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	_, _ = h.conn.BeginExecution(st)
	_, _ = h.conn.Commit()

	snap := h.conn.Snapshot()
	assert.Len(t, snap.Transactions, 2)
	assert.Len(t, snap.Savepoints, 2)
	assert.Len(t, snap.Statements, 1)
	assert.Len(t, snap.Executions, 1)

	recs := snap.Records()
	require.Len(t, recs, 7)
	for i := 1; i < len(recs); i++ {
		assert.Less(t, recs[i-1].Meta().ID, recs[i].Meta().ID)
	}
}

func TestConcurrentReadersSeeConsistentChains(t *testing.T) {
	h := newHarness(t, true)
	const writes = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < writes; i++ {
			st := &fakeStatement{query: "UPDATE t SET n = n + 1"}
			h.conn.OpenStatement(domain.PurposeUserQuery, st)
			_, _ = h.conn.BeginExecution(st)
			_, _ = h.conn.EndExecution(st, 1, nil)
			h.conn.CloseStatement(st, -1)
			if i%10 == 0 {
				_, _ = h.conn.Commit()
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				var last uint64
				for e := range h.conn.ExecutionChain() {
					if last != 0 {
						assert.Less(t, e.ID, last)
					}
					last = e.ID
				}
				for tx := range h.conn.TransactionChain() {
					_ = tx.Text()
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, collect(h.conn.ExecutionChain()), writes)
}

func TestObserver_ReceivesEvents(t *testing.T) {
	var mu sync.Mutex
	var types []EventType
	h := newHarness(t, true, WithObserver(ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
	})))
	st := &fakeStatement{query: "SELECT 1"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	_, _ = h.conn.BeginExecution(st)
	_, _ = h.conn.EndExecution(st, -1, nil)
	h.conn.CloseStatement(st, -1)
	_, _ = h.conn.Commit()
	h.conn.Close()

	assert.Equal(t, []EventType{
		EventConnectionOpened,
		EventStatementOpened,
		EventExecutionBegan,
		EventExecutionEnded,
		EventStatementClosed,
		EventCommitted,
		EventConnectionClosed,
	}, types)
}

func TestExecution_AfterRollbackToSavepointUsesOpenSavepoint(t *testing.T) {
	h := newHarness(t, true)
	s1 := NamedSavepoint("s1")
	_, _ = h.conn.SetSavepoint(s1)
	s2, _ := h.conn.SetSavepoint(NamedSavepoint("s2"))
	_, ok := h.conn.Rollback(s1)
	require.True(t, ok)

	st := &fakeStatement{query: "INSERT INTO t VALUES (2)"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	e, ok := h.conn.BeginExecution(st)
	require.True(t, ok)

	sp, ok := e.Savepoint()
	require.True(t, ok)
	assert.True(t, sp.IsRoot())
	assert.False(t, sp.IsClosed())

	cur, _ := h.conn.CurrentTransaction()
	for s := range cur.Savepoints() {
		if s.ID == s2.ID {
			_, has := s.LastExecution()
			assert.False(t, has, "rolled back savepoint is not touched")
		}
	}
}

func TestExecution_AfterReleaseUsesOpenSavepoint(t *testing.T) {
	h := newHarness(t, true)
	_, _ = h.conn.SetSavepoint(NamedSavepoint("a"))
	b := NamedSavepoint("b")
	_, _ = h.conn.SetSavepoint(b)
	_, ok := h.conn.ReleaseSavepoint(b)
	require.True(t, ok)

	st := &fakeStatement{query: "DELETE FROM t"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	e, _ := h.conn.BeginExecution(st)
	sp, ok := e.Savepoint()
	require.True(t, ok)
	assert.Equal(t, "a", sp.Name)
	assert.False(t, sp.IsClosed())
}

func TestExecution_AfterAbsentRollbackUsesHead(t *testing.T) {
	h := newHarness(t, true)
	head, _ := h.conn.SetSavepoint(NamedSavepoint("s1"))
	_, _ = h.conn.Rollback(NamedSavepoint("missing"))

	st := &fakeStatement{query: "DELETE FROM t"}
	h.conn.OpenStatement(domain.PurposeUserQuery, st)
	e, _ := h.conn.BeginExecution(st)
	sp, ok := e.Savepoint()
	require.True(t, ok)
	assert.Equal(t, head.ID, sp.ID)
	assert.True(t, sp.IsClosed())
}

// sliceStatement and sliceSavepoint are not comparable with ==.
type sliceStatement []string

func (s sliceStatement) QueryString() string { return strings.Join(s, " ") }

type sliceSavepoint []string

func (s sliceSavepoint) SavepointName() string { return strings.Join(s, "") }

func TestNonComparableHandles_DoNotPanic(t *testing.T) {
	h := newHarness(t, true)
	st := sliceStatement{"SELECT", "1"}

	assert.NotPanics(t, func() {
		h.conn.OpenStatement(domain.PurposeUserQuery, st)
		_, ok := h.conn.BeginExecution(st)
		assert.False(t, ok)
		_, ok = h.conn.EndExecution(st, -1, nil)
		assert.False(t, ok)
		_, ok = h.conn.CloseStatement(st, -1)
		assert.False(t, ok)
	})
	assert.Equal(t, 1, h.logs.Count("statement handle is not comparable"))

	ref := sliceSavepoint{"a"}
	assert.NotPanics(t, func() {
		_, ok := h.conn.SetSavepoint(ref)
		assert.False(t, ok)
		_, ok = h.conn.ReleaseSavepoint(ref)
		assert.False(t, ok)
		_, ok = h.conn.Rollback(ref)
		assert.False(t, ok)
	})
}
