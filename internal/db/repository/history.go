package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"querymeta/internal/domain"
	"querymeta/internal/export"
	"querymeta/internal/qmm"
)

var _ domain.HistoryReader = (*HistoryRepo)(nil)

// HistoryRepo stores connection, transaction, savepoint, statement and
// execution records in SQLite. Records are keyed by object id, so saving a
// record again overwrites its previous state.
type HistoryRepo struct {
	db *sql.DB
}

// NewHistoryRepo creates a new HistoryRepo.
func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

const upsertConnection = `
	INSERT INTO qmm_connections (id, run_id, container_id, container_name, context_name, driver_id,
	                             dialect, info_json, transactional, open_time, close_time, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		run_id = excluded.run_id,
		container_id = excluded.container_id,
		container_name = excluded.container_name,
		context_name = excluded.context_name,
		driver_id = excluded.driver_id,
		dialect = excluded.dialect,
		info_json = excluded.info_json,
		transactional = excluded.transactional,
		open_time = excluded.open_time,
		close_time = excluded.close_time,
		updated_at = CURRENT_TIMESTAMP
`

const upsertRecord = `
	INSERT INTO qmm_records (id, connection_id, kind, parent_id, previous_id, savepoint_id, text, purpose,
	                         name, committed, transactional, update_row_count, fetch_row_count,
	                         error_code, error_message, open_time, close_time, fetch_begin_time, fetch_end_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		parent_id = excluded.parent_id,
		previous_id = excluded.previous_id,
		savepoint_id = excluded.savepoint_id,
		text = excluded.text,
		purpose = excluded.purpose,
		name = excluded.name,
		committed = excluded.committed,
		transactional = excluded.transactional,
		update_row_count = excluded.update_row_count,
		fetch_row_count = excluded.fetch_row_count,
		error_code = excluded.error_code,
		error_message = excluded.error_message,
		open_time = excluded.open_time,
		close_time = excluded.close_time,
		fetch_begin_time = excluded.fetch_begin_time,
		fetch_end_time = excluded.fetch_end_time
`

// Save writes the connection row and the given records of that connection
// in one transaction. ConnectionState entries in recs are folded into the
// connection row.
func (r *HistoryRepo) Save(ctx context.Context, runID string, state qmm.ConnectionState, recs []qmm.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := saveConnection(ctx, tx, runID, state); err != nil {
		return err
	}
	if err := saveRecords(ctx, tx, state.ID, recs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveConnection upserts a connection row.
func (r *HistoryRepo) SaveConnection(ctx context.Context, runID string, state qmm.ConnectionState) error {
	return saveConnection(ctx, r.db, runID, state)
}

// SaveRecords upserts records belonging to the connection with the given
// id. The connection row must already exist.
func (r *HistoryRepo) SaveRecords(ctx context.Context, connectionID uint64, recs []qmm.Record) error {
	return saveRecords(ctx, r.db, connectionID, recs)
}

func saveConnection(ctx context.Context, db execer, runID string, state qmm.ConnectionState) error {
	infoJSON, err := json.Marshal(export.ConnectionInfoToMap(state.Info))
	if err != nil {
		return fmt.Errorf("marshal connection info: %w", err)
	}
	_, err = db.ExecContext(ctx, upsertConnection,
		int64(state.ID), runID, state.Info.ContainerID, state.Info.ContainerName,
		state.Info.ContextName, state.Info.DriverID, state.Info.Dialect, string(infoJSON),
		boolToInt(state.Transactional), formatTime(state.OpenTime), nullTime(state.CloseTime),
	)
	if err != nil {
		return fmt.Errorf("save connection %d: %w", state.ID, mapDBError(err))
	}
	return nil
}

func saveRecords(ctx context.Context, db execer, connectionID uint64, recs []qmm.Record) error {
	for _, rec := range recs {
		if _, ok := rec.(qmm.ConnectionState); ok {
			continue
		}
		row := rowOf(rec)
		meta := rec.Meta()
		_, err := db.ExecContext(ctx, upsertRecord,
			int64(meta.ID), int64(connectionID), meta.Kind.String(),
			row.parentID, row.previousID, row.savepointID, rec.Text(), row.purpose, row.name,
			row.committed, row.transactional, row.updateRows, row.fetchRows,
			row.errorCode, row.errorMessage,
			formatTime(meta.OpenTime), nullTime(meta.CloseTime), row.fetchBegin, row.fetchEnd,
		)
		if err != nil {
			return fmt.Errorf("save %s %d: %w", meta.Kind, meta.ID, mapDBError(err))
		}
	}
	return nil
}

// recordRow holds the kind-specific columns of a qmm_records row.
type recordRow struct {
	parentID, previousID, savepointID sql.NullInt64
	purpose, name                     sql.NullString
	committed, transactional          sql.NullInt64
	updateRows, fetchRows, errorCode  sql.NullInt64
	errorMessage                      sql.NullString
	fetchBegin, fetchEnd              sql.NullString
}

func rowOf(rec qmm.Record) recordRow {
	var row recordRow
	switch r := rec.(type) {
	case qmm.Transaction:
		row.committed = nullTristate(r.Committed)
		prev, ok := r.Previous()
		row.previousID = nullID(prev.ID, ok)
		sp, ok := r.CurrentSavepoint()
		row.savepointID = nullID(sp.ID, ok)
	case qmm.Savepoint:
		row.parentID = nullID(r.Transaction().ID, true)
		row.name = sql.NullString{String: r.Name, Valid: true}
		row.committed = nullTristate(r.Committed)
		prev, ok := r.Previous()
		row.previousID = nullID(prev.ID, ok)
	case qmm.Statement:
		row.purpose = sql.NullString{String: r.Purpose.String(), Valid: true}
		prev, ok := r.Previous()
		row.previousID = nullID(prev.ID, ok)
	case qmm.Execution:
		row.parentID = nullID(r.Statement().ID, true)
		prev, ok := r.Previous()
		row.previousID = nullID(prev.ID, ok)
		sp, ok := r.Savepoint()
		row.savepointID = nullID(sp.ID, ok)
		row.transactional = sql.NullInt64{Int64: boolToInt(r.Transactional), Valid: true}
		row.updateRows = sql.NullInt64{Int64: r.UpdateRowCount, Valid: true}
		row.fetchRows = sql.NullInt64{Int64: r.FetchRowCount, Valid: true}
		if r.ErrorCode != nil {
			row.errorCode = sql.NullInt64{Int64: int64(*r.ErrorCode), Valid: true}
		}
		if r.ErrorMessage != nil {
			row.errorMessage = sql.NullString{String: *r.ErrorMessage, Valid: true}
		}
		row.fetchBegin = nullTime(r.FetchBeginTime)
		row.fetchEnd = nullTime(r.FetchEndTime)
	}
	return row
}

const statusExpr = `CASE
		WHEN e.close_time IS NULL THEN 'RUNNING'
		WHEN e.error_message IS NOT NULL OR e.error_code IS NOT NULL THEN 'ERROR'
		ELSE 'OK' END`

// ListExecutions returns archived executions, newest first, with the total
// count of rows matching the filter.
func (r *HistoryRepo) ListExecutions(ctx context.Context, filter domain.QueryHistoryFilter) ([]domain.QueryHistoryEntry, int64, error) {
	where := []string{"e.kind = 'execution'"}
	var args []any
	if filter.RunID != nil {
		where = append(where, "c.run_id = ?")
		args = append(args, *filter.RunID)
	}
	if filter.ConnectionID != nil {
		where = append(where, "e.connection_id = ?")
		args = append(args, int64(*filter.ConnectionID))
	}
	if filter.Status != nil {
		where = append(where, "("+statusExpr+") = ?")
		args = append(args, *filter.Status)
	}
	if filter.From != nil {
		where = append(where, "e.open_time >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "e.open_time <= ?")
		args = append(args, formatTime(*filter.To))
	}
	from := `
		FROM qmm_records e
		JOIN qmm_connections c ON c.id = e.connection_id
		LEFT JOIN qmm_records s ON s.id = e.parent_id AND s.kind = 'statement'
		WHERE ` + strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	query := `
		SELECT e.id, e.connection_id, c.container_name, c.context_name, COALESCE(e.parent_id, 0),
		       COALESCE(s.purpose, ''), e.text, ` + statusExpr + `, e.error_code, e.error_message,
		       COALESCE(e.transactional, 0), COALESCE(e.update_row_count, -1), COALESCE(e.fetch_row_count, 0),
		       e.open_time, e.close_time, e.fetch_begin_time, e.fetch_end_time` + from + `
		ORDER BY e.open_time DESC, e.id DESC
		LIMIT ? OFFSET ?`
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Page.Limit(), filter.Page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var entries []domain.QueryHistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return entries, total, nil
}

func scanEntry(rows *sql.Rows) (domain.QueryHistoryEntry, error) {
	var (
		e                             domain.QueryHistoryEntry
		id, connID, stmtID            int64
		transactional                 int64
		errorCode                     sql.NullInt64
		errorMessage                  sql.NullString
		openTime                      string
		closeTime, fetchBeg, fetchEnd sql.NullString
	)
	err := rows.Scan(&id, &connID, &e.ContainerName, &e.ContextName, &stmtID,
		&e.Purpose, &e.QueryText, &e.Status, &errorCode, &errorMessage,
		&transactional, &e.UpdateRowCount, &e.FetchRowCount,
		&openTime, &closeTime, &fetchBeg, &fetchEnd)
	if err != nil {
		return e, fmt.Errorf("scan execution: %w", err)
	}
	e.ID, e.ConnectionID, e.StatementID = uint64(id), uint64(connID), uint64(stmtID)
	e.Transactional = transactional != 0
	if errorCode.Valid {
		code := int(errorCode.Int64)
		e.ErrorCode = &code
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		e.ErrorMessage = &msg
	}

	if e.CreatedAt, err = parseTime(openTime); err != nil {
		return e, fmt.Errorf("parse open time: %w", err)
	}
	closed, err := parseNullTime(closeTime)
	if err != nil {
		return e, fmt.Errorf("parse close time: %w", err)
	}
	if closed != nil {
		ms := closed.Sub(e.CreatedAt).Milliseconds()
		e.DurationMs = &ms
	}
	fb, err := parseNullTime(fetchBeg)
	if err != nil {
		return e, fmt.Errorf("parse fetch time: %w", err)
	}
	fe, err := parseNullTime(fetchEnd)
	if err != nil {
		return e, fmt.Errorf("parse fetch time: %w", err)
	}
	if fb != nil && fe != nil {
		ms := fe.Sub(*fb).Milliseconds()
		e.FetchMs = &ms
	}
	return e, nil
}

const selectConnection = `
	SELECT id, run_id, info_json, transactional, open_time, close_time
	FROM qmm_connections`

// GetConnection returns an archived connection by object id.
func (r *HistoryRepo) GetConnection(ctx context.Context, id uint64) (*domain.ArchivedConnection, error) {
	row := r.db.QueryRowContext(ctx, selectConnection+" WHERE id = ?", int64(id))
	c, err := scanConnection(row)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return nil, domain.ErrNotFound("connection %d not found", id)
		}
		return nil, err
	}
	return c, nil
}

// ListConnections returns archived connections ordered by id. An empty
// runID lists every run.
func (r *HistoryRepo) ListConnections(ctx context.Context, runID string, page domain.PageRequest) ([]domain.ArchivedConnection, int64, error) {
	where, args := "", []any{}
	if runID != "" {
		where = " WHERE run_id = ?"
		args = append(args, runID)
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM qmm_connections"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count connections: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, selectConnection+where+" ORDER BY id LIMIT ? OFFSET ?",
		append(args, page.Limit(), page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.ArchivedConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate connections: %w", err)
	}
	return out, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*domain.ArchivedConnection, error) {
	var (
		c             domain.ArchivedConnection
		id            int64
		infoJSON      string
		transactional int64
		openTime      string
		closeTime     sql.NullString
	)
	if err := row.Scan(&id, &c.RunID, &infoJSON, &transactional, &openTime, &closeTime); err != nil {
		return nil, mapDBError(err)
	}
	c.ID = uint64(id)
	c.Transactional = transactional != 0

	var m map[string]any
	if err := json.Unmarshal([]byte(infoJSON), &m); err != nil {
		return nil, fmt.Errorf("unmarshal connection info: %w", err)
	}
	info, err := export.ConnectionInfoFromMap(m)
	if err != nil {
		return nil, err
	}
	c.Info = info

	if c.OpenTime, err = parseTime(openTime); err != nil {
		return nil, fmt.Errorf("parse open time: %w", err)
	}
	if c.CloseTime, err = parseNullTime(closeTime); err != nil {
		return nil, fmt.Errorf("parse close time: %w", err)
	}
	return &c, nil
}

// MaxObjectID returns the largest object id stored in the archive, or 0
// for an empty archive. A process resumes its id counter from here.
func (r *HistoryRepo) MaxObjectID(ctx context.Context) (uint64, error) {
	var maxID int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM (
			SELECT id FROM qmm_connections
			UNION ALL
			SELECT id FROM qmm_records
		)
	`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max object id: %w", err)
	}
	return uint64(maxID), nil
}

// PurgeBefore deletes connections closed before the cutoff together with
// their records, and returns the number of connections deleted.
func (r *HistoryRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM qmm_connections
		WHERE close_time IS NOT NULL AND close_time < ?
	`, formatTime(cutoff))
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
