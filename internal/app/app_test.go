package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"querymeta/internal/config"
	"querymeta/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ArchiveDBPath:  filepath.Join(dir, "history.sqlite"),
		TargetDriver:   "sqlite3",
		TargetDSN:      filepath.Join(dir, "target.db"),
		TargetName:     "local",
		FlushSchedule:  "0 0 1 1 *",
		Retention:      time.Hour,
		MaxRows:        100,
		RateLimitRPS:   100,
		RateLimitBurst: 100,
	}
}

func TestApp_RecordsAndArchivesQueries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	logger := slog.New(slog.DiscardHandler)

	a, err := New(ctx, Deps{Cfg: cfg, Logger: logger})
	require.NoError(t, err)
	require.NotNil(t, a.Query)
	require.NoError(t, a.Start(ctx))

	_, err = a.Query.Execute(ctx, "CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
	res, err := a.Query.Execute(ctx, "SELECT count(*) FROM t")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)

	conns := a.Collector.Connections()
	require.NotEmpty(t, conns)
	assert.Equal(t, "local - Main", conns[0].Text())
	firstRun := a.RunID
	require.NoError(t, a.Close(ctx))

	b, err := New(ctx, Deps{Cfg: cfg, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(ctx) })
	assert.NotEqual(t, firstRun, b.RunID)

	entries, total, err := b.History.ListExecutions(ctx, domain.QueryHistoryFilter{RunID: &firstRun})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(2))
	var texts []string
	for _, e := range entries {
		texts = append(texts, e.QueryText)
	}
	assert.Contains(t, texts, "SELECT count(*) FROM t")

	archived, err := b.History.GetConnection(ctx, conns[0].ID())
	require.NoError(t, err)
	assert.NotNil(t, archived.CloseTime, "close records the connection end")

	next := b.Collector.Open(domain.ConnectionInfo{ContainerName: "x"}, false)
	assert.Greater(t, next.ID(), entries[0].ID, "object ids resume above the archive")
}

func TestApp_WithoutTarget(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.TargetDSN = ""

	a, err := New(ctx, Deps{Cfg: cfg, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	assert.Nil(t, a.Target)
	assert.Nil(t, a.Query)

	router, err := a.Router(ctx, cfg)
	require.NoError(t, err)

	for path, want := range map[string]int{
		"/healthz":        http.StatusOK,
		"/metrics":        http.StatusOK,
		"/v1/connections": http.StatusOK,
		"/v1/history":     http.StatusOK,
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/query", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestApp_AuthEnabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.JWTSecret = "0123456789abcdef0123456789abcdef"

	a, err := New(ctx, Deps{Cfg: cfg, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	router, err := a.Router(ctx, cfg)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/connections", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestNew_InvalidDialect(t *testing.T) {
	cfg := testConfig(t)
	cfg.SQLDialect = "oracle"
	_, err := New(context.Background(), Deps{Cfg: cfg, Logger: slog.New(slog.DiscardHandler)})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushSchedule = "whenever"
	_, err := New(context.Background(), Deps{Cfg: cfg, Logger: slog.New(slog.DiscardHandler)})
	require.ErrorContains(t, err, "invalid flush schedule")
}
