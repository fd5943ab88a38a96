// Package archive periodically persists recorded query history.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querymeta/internal/qmm"
)

// Store persists the changed records of one connection.
// Implemented by repository.HistoryRepo.
type Store interface {
	Save(ctx context.Context, runID string, state qmm.ConnectionState, recs []qmm.Record) error
}

// pendingBatch holds records taken from a connection whose save failed.
type pendingBatch struct {
	state qmm.ConnectionState
	recs  []qmm.Record
}

// Flusher writes records changed since the previous flush to a Store.
type Flusher struct {
	collector *qmm.Collector
	store     Store
	runID     string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[uint64]pendingBatch
}

// FlusherOption configures a Flusher.
type FlusherOption func(*Flusher)

// WithRetention makes every successful flush drop connections from the
// collector that were closed longer ago than d. Zero keeps everything.
func WithRetention(d time.Duration) FlusherOption {
	return func(f *Flusher) { f.retention = d }
}

// WithLogger sets the flusher logger.
func WithLogger(l *slog.Logger) FlusherOption {
	return func(f *Flusher) { f.logger = l }
}

// NewFlusher creates a flusher that archives records of collector under
// runID.
func NewFlusher(collector *qmm.Collector, store Store, runID string, opts ...FlusherOption) *Flusher {
	f := &Flusher{
		collector: collector,
		store:     store,
		runID:     runID,
		logger:    slog.Default(),
		now:       time.Now,
		pending:   make(map[uint64]pendingBatch),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RunID returns the identifier every flushed connection is stored under.
func (f *Flusher) RunID() string { return f.runID }

// Flush saves the records updated since the last flush and returns how
// many were written. Records of a connection whose save fails are kept and
// retried on the next flush; the other connections are still flushed.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var (
		written int
		errs    []error
	)
	for _, conn := range f.collector.Connections() {
		batch := f.pending[conn.ID()]
		batch.recs = append(batch.recs, conn.TakeUpdated()...)
		if len(batch.recs) == 0 {
			continue
		}
		batch.state = conn.State()
		if err := f.store.Save(ctx, f.runID, batch.state, batch.recs); err != nil {
			f.pending[conn.ID()] = batch
			errs = append(errs, fmt.Errorf("flush connection %d: %w", conn.ID(), err))
			continue
		}
		delete(f.pending, conn.ID())
		written += len(batch.recs)
	}

	// Batches of connections already purged from the collector.
	for id, batch := range f.pending {
		if _, err := f.collector.Get(id); err == nil {
			continue
		}
		if err := f.store.Save(ctx, f.runID, batch.state, batch.recs); err != nil {
			errs = append(errs, fmt.Errorf("flush connection %d: %w", id, err))
			continue
		}
		delete(f.pending, id)
		written += len(batch.recs)
	}

	if err := errors.Join(errs...); err != nil {
		f.logger.Warn("history flush incomplete", "written", written, "error", err)
		return written, err
	}
	if f.retention > 0 {
		if n := f.collector.Purge(f.now().Add(-f.retention)); n > 0 {
			f.logger.Debug("purged closed connections", "count", n)
		}
	}
	if written > 0 {
		f.logger.Debug("history flushed", "run", f.runID, "records", written)
	}
	return written, nil
}
