// Package api serves the live query meta model and the history archive
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"querymeta/internal/domain"
	"querymeta/internal/export"
	"querymeta/internal/qmm"
	"querymeta/internal/service/query"
)

// maxQueryBody bounds the POST /v1/query request body.
const maxQueryBody = 1 << 20

// QueryExecutor runs one SQL statement through the recording database.
// Implemented by query.Service.
type QueryExecutor interface {
	Execute(ctx context.Context, sql string) (*query.Result, error)
}

// Handler implements the HTTP endpoints.
type Handler struct {
	collector *qmm.Collector
	history   domain.HistoryReader
	queries   QueryExecutor
	logger    *slog.Logger
}

// NewHandler creates a Handler. history and queries may be nil, in which
// case their endpoints answer 503.
func NewHandler(collector *qmm.Collector, history domain.HistoryReader, queries QueryExecutor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{collector: collector, history: history, queries: queries, logger: logger}
}

// ConnectionSummary describes a live connection.
type ConnectionSummary struct {
	ID            uint64     `json:"id"`
	Text          string     `json:"text"`
	ContainerID   string     `json:"container_id"`
	ContainerName string     `json:"container_name"`
	ContextName   string     `json:"context_name"`
	DriverID      string     `json:"driver_id,omitempty"`
	Dialect       string     `json:"dialect,omitempty"`
	Transactional bool       `json:"transactional"`
	OpenTime      time.Time  `json:"open_time"`
	CloseTime     *time.Time `json:"close_time,omitempty"`
	DurationMs    *int64     `json:"duration_ms,omitempty"`
}

// ConnectionDetail adds the current transaction and the latest execution.
type ConnectionDetail struct {
	ConnectionSummary
	CurrentTransaction map[string]any `json:"current_transaction,omitempty"`
	LastExecution      map[string]any `json:"last_execution,omitempty"`
}

// ListResponse is a page of items.
type ListResponse[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"next_page_token,omitempty"`
	Total         int64  `json:"total"`
}

// HistoryEntry is an archived execution.
type HistoryEntry struct {
	ID             uint64    `json:"id"`
	ConnectionID   uint64    `json:"connection_id"`
	ContainerName  string    `json:"container_name"`
	ContextName    string    `json:"context_name"`
	StatementID    uint64    `json:"statement_id"`
	Purpose        string    `json:"purpose"`
	QueryText      string    `json:"query_text"`
	Status         string    `json:"status"`
	ErrorCode      *int      `json:"error_code,omitempty"`
	ErrorMessage   *string   `json:"error_message,omitempty"`
	Transactional  bool      `json:"transactional"`
	UpdateRowCount int64     `json:"update_row_count"`
	FetchRowCount  int64     `json:"fetch_row_count"`
	DurationMs     *int64    `json:"duration_ms,omitempty"`
	FetchMs        *int64    `json:"fetch_ms,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ArchivedConnection is a connection stored in the archive.
type ArchivedConnection struct {
	ID            uint64         `json:"id"`
	RunID         string         `json:"run_id"`
	Info          map[string]any `json:"info"`
	Transactional bool           `json:"transactional"`
	OpenTime      time.Time      `json:"open_time"`
	CloseTime     *time.Time     `json:"close_time,omitempty"`
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// QueryResponse is the result of POST /v1/query.
type QueryResponse struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	RowCount     int      `json:"row_count"`
	RowsAffected int64    `json:"rows_affected"`
	Truncated    bool     `json:"truncated"`
	DurationMs   int64    `json:"duration_ms"`
}

func summaryOf(st qmm.ConnectionState) ConnectionSummary {
	s := ConnectionSummary{
		ID:            st.ID,
		Text:          st.Text(),
		ContainerID:   st.Info.ContainerID,
		ContainerName: st.Info.ContainerName,
		ContextName:   st.Info.ContextName,
		DriverID:      st.Info.DriverID,
		Dialect:       st.Info.Dialect,
		Transactional: st.Transactional,
		OpenTime:      st.OpenTime,
	}
	if st.IsClosed() {
		t := st.CloseTime
		s.CloseTime = &t
	}
	if d, ok := st.Duration(); ok {
		ms := d.Milliseconds()
		s.DurationMs = &ms
	}
	return s
}

// ListConnections handles GET /v1/connections.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	conns := h.collector.Connections()
	items, next := paginate(conns, page)
	out := make([]ConnectionSummary, 0, len(items))
	for _, c := range items {
		out = append(out, summaryOf(c.State()))
	}
	writeJSON(w, http.StatusOK, ListResponse[ConnectionSummary]{Items: out, NextPageToken: next, Total: int64(len(conns))})
}

func (h *Handler) connection(r *http.Request) (*qmm.Connection, error) {
	id, err := objectIDParam(r, "id")
	if err != nil {
		return nil, err
	}
	return h.collector.Get(id)
}

// GetConnection handles GET /v1/connections/{id}.
func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connection(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	detail := ConnectionDetail{ConnectionSummary: summaryOf(conn.State())}
	if tx, ok := conn.CurrentTransaction(); ok {
		detail.CurrentTransaction = export.RecordToMap(tx)
	}
	for e := range conn.ExecutionChain() {
		detail.LastExecution = export.RecordToMap(e)
		break
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListStatements handles GET /v1/connections/{id}/statements.
func (h *Handler) ListStatements(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connection(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeChain(w, r, collectRecords(conn.StatementChain()))
}

// ListExecutions handles GET /v1/connections/{id}/executions.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connection(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeChain(w, r, collectRecords(conn.ExecutionChain()))
}

// ListTransactions handles GET /v1/connections/{id}/transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	conn, err := h.connection(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeChain(w, r, collectRecords(conn.TransactionChain()))
}

// writeChain writes one page of records, newest first.
func (h *Handler) writeChain(w http.ResponseWriter, r *http.Request, recs []qmm.Record) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	items, next := paginate(recs, page)
	out := make([]map[string]any, 0, len(items))
	for _, rec := range items {
		out = append(out, export.RecordToMap(rec))
	}
	writeJSON(w, http.StatusOK, ListResponse[map[string]any]{Items: out, NextPageToken: next, Total: int64(len(recs))})
}

// ListHistory handles GET /v1/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive is not configured")
		return
	}
	filter, err := historyFilterFromQuery(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	entries, total, err := h.history.ListExecutions(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, HistoryEntry(e))
	}
	writeJSON(w, http.StatusOK, ListResponse[HistoryEntry]{
		Items:         out,
		NextPageToken: domain.NextPageToken(filter.Page.Offset(), filter.Page.Limit(), total),
		Total:         total,
	})
}

// GetArchivedConnection handles GET /v1/history/connections/{id}.
func (h *Handler) GetArchivedConnection(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive is not configured")
		return
	}
	id, err := objectIDParam(r, "id")
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	c, err := h.history.GetConnection(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ArchivedConnection{
		ID:            c.ID,
		RunID:         c.RunID,
		Info:          export.ConnectionInfoToMap(c.Info),
		Transactional: c.Transactional,
		OpenTime:      c.OpenTime,
		CloseTime:     c.CloseTime,
	})
}

// ExecuteQuery handles POST /v1/query.
func (h *Handler) ExecuteQuery(w http.ResponseWriter, r *http.Request) {
	if h.queries == nil {
		writeError(w, http.StatusServiceUnavailable, "no target database is configured")
		return
	}
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if p, ok := domain.PrincipalFromContext(r.Context()); ok {
		h.logger.InfoContext(r.Context(), "query submitted", "principal", p.Name)
	}
	res, err := h.queries.Execute(r.Context(), req.SQL)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		// Driver errors are the caller's SQL problem, not a server fault.
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	rows := res.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Columns:      res.Columns,
		Rows:         rows,
		RowCount:     res.RowCount,
		RowsAffected: res.RowsAffected,
		Truncated:    res.Truncated,
		DurationMs:   res.Duration.Milliseconds(),
	})
}

func collectRecords[T qmm.Record](seq iter.Seq[T]) []qmm.Record {
	var out []qmm.Record
	for v := range seq {
		out = append(out, v)
	}
	return out
}

// paginate slices items per page and returns the next page token.
func paginate[T any](items []T, page domain.PageRequest) ([]T, string) {
	offset, limit := page.Offset(), page.Limit()
	if offset >= len(items) {
		return nil, ""
	}
	end := min(offset+limit, len(items))
	return items[offset:end], domain.NextPageToken(offset, limit, int64(len(items)))
}
