// Package app provides application-level wiring and dependency injection
// for the query meta model: archive, collector, recorded target database,
// flush scheduling and the HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/duckdb/duckdb-go/v2" // registers the "duckdb" driver

	"querymeta/internal/api"
	"querymeta/internal/archive"
	"querymeta/internal/config"
	"querymeta/internal/db"
	"querymeta/internal/db/repository"
	"querymeta/internal/dialect"
	"querymeta/internal/domain"
	"querymeta/internal/metrics"
	"querymeta/internal/middleware"
	"querymeta/internal/qmm"
	"querymeta/internal/recorder"
	"querymeta/internal/service/query"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

// App holds the fully-wired application.
type App struct {
	RunID     string
	Archive   *db.Archive
	History   *repository.HistoryRepo // read pool
	Collector *qmm.Collector
	Metrics   *metrics.Metrics
	Target    *sql.DB        // nil when no target DSN is configured
	Query     *query.Service // nil when Target is nil
	Flusher   *archive.Flusher
	Scheduler *archive.Scheduler

	writer *repository.HistoryRepo
	logger *slog.Logger
}

// New opens the archive, resumes object ids above the archived ones and
// opens the recorded target database when one is configured. Nothing runs
// in the background until Start.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// === Archive ===
	arc, err := db.OpenArchive(cfg.ArchiveDBPath, 0)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a := &App{
		RunID:   domain.NewID(),
		Archive: arc,
		History: repository.NewHistoryRepo(arc.Read),
		writer:  repository.NewHistoryRepo(arc.Write),
		logger:  logger,
	}

	lastID, err := a.writer.MaxObjectID(ctx)
	if err != nil {
		_ = arc.Close()
		return nil, fmt.Errorf("resume object ids: %w", err)
	}

	// === Collector ===
	a.Metrics = metrics.New("qmm", nil)
	a.Collector = qmm.NewCollector(
		qmm.WithIDAllocator(qmm.NewCounter(lastID)),
		qmm.WithDialects(dialect.ClassifierFor),
		qmm.WithClassifier(dialect.Generic{}),
		qmm.WithObserver(a.Metrics),
		qmm.WithLogger(logger.With("component", "qmm")),
	)

	// === Target ===
	if cfg.TargetDSN != "" {
		target, err := OpenTarget(cfg.TargetDriver, cfg.TargetDSN, cfg.TargetName, cfg.SQLDialect, a.Collector, logger)
		if err != nil {
			_ = arc.Close()
			return nil, err
		}
		a.Target = target
		a.Query = query.NewService(target, cfg.MaxRows, logger.With("component", "query"))
	}

	// === Archiving ===
	a.Flusher = archive.NewFlusher(a.Collector, a.writer, a.RunID,
		archive.WithRetention(cfg.Retention),
		archive.WithLogger(logger.With("component", "archive")),
	)
	a.Scheduler, err = archive.NewScheduler(a.Flusher, cfg.FlushSchedule, logger.With("component", "archive"),
		archive.WithArchivePurge(a.writer, cfg.ArchiveMaxAge),
	)
	if err != nil {
		_ = a.closeStores()
		return nil, err
	}

	logger.Info("application wired",
		"run_id", a.RunID, "archive", cfg.ArchiveDBPath, "resume_after_id", lastID,
		"target_driver", cfg.TargetDriver, "target", a.Target != nil)
	return a, nil
}

// OpenTarget opens driverName/dsn through the recorder. An empty dialectName
// derives the dialect from the driver name.
func OpenTarget(driverName, dsn, name, dialectName string, collector *qmm.Collector, logger *slog.Logger) (*sql.DB, error) {
	opts := []recorder.Option{
		recorder.WithInfo(domain.ConnectionInfo{
			ContainerID:   driverName + ":" + name,
			ContainerName: name,
			ContextName:   "Main",
			Dialect:       dialectName,
		}),
		recorder.WithLogger(logger.With("component", "recorder")),
	}
	if dialectName != "" {
		d, err := dialect.Lookup(dialectName)
		if err != nil {
			return nil, err
		}
		opts = append(opts, recorder.WithDialect(d))
	}
	target, err := recorder.Open(driverName, dsn, collector, opts...)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", driverName, err)
	}
	return target, nil
}

// Router builds the HTTP API. The rate limiter sweeps idle clients until
// ctx is done.
func (a *App) Router(ctx context.Context, cfg *config.Config) (http.Handler, error) {
	var queries api.QueryExecutor
	if a.Query != nil {
		queries = a.Query
	}
	rc := api.RouterConfig{
		Logger:  a.logger.With("component", "api"),
		Metrics: a.Metrics.Handler(),
		RateLimiter: middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}),
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if cfg.AuthEnabled() {
		auth, err := middleware.NewHS256Auth(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, err
		}
		rc.Auth = auth
	}
	h := api.NewHandler(a.Collector, a.History, queries, a.logger.With("component", "api"))
	return api.NewRouter(h, rc), nil
}

// Start starts the flush scheduler.
func (a *App) Start(ctx context.Context) error {
	return a.Scheduler.Start(ctx)
}

// Close closes the target so its connection records are closed, stops the
// scheduler with a final flush and closes the archive. It is safe to call
// without Start.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Target != nil {
		errs = append(errs, a.Target.Close())
	}
	a.Collector.CloseAll()
	errs = append(errs, a.Scheduler.Stop(ctx))
	errs = append(errs, a.Archive.Close())
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.Target != nil {
		errs = append(errs, a.Target.Close())
	}
	errs = append(errs, a.Archive.Close())
	return errors.Join(errs...)
}
