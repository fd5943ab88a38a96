package qmm

import (
	"log/slog"
	"time"

	"querymeta/internal/domain"
)

// settings is shared by a Collector and every Connection it opens.
type settings struct {
	ids        IDAllocator
	classifier domain.DialectClassifier
	dialects   func(dialect string) domain.DialectClassifier
	logger     *slog.Logger
	now        func() time.Time
	observers  []Observer
}

// Option configures a Connection or a Collector.
type Option func(*settings)

// WithIDAllocator sets the id source. Connections opened by one Collector
// always share the Collector's allocator.
func WithIDAllocator(ids IDAllocator) Option {
	return func(s *settings) { s.ids = ids }
}

// WithClassifier sets the dialect classifier used to decide whether an
// execution touches transaction state.
func WithClassifier(c domain.DialectClassifier) Option {
	return func(s *settings) { s.classifier = c }
}

// WithDialects resolves a classifier per connection from
// domain.ConnectionInfo.Dialect. It takes precedence over WithClassifier
// when it returns non-nil.
func WithDialects(resolve func(dialect string) domain.DialectClassifier) Option {
	return func(s *settings) { s.dialects = resolve }
}

// WithLogger sets the warning sink.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithObserver registers an observer notified after every mutation.
func WithObserver(o Observer) Option {
	return func(s *settings) { s.observers = append(s.observers, o) }
}

func newSettings(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.ids == nil {
		s.ids = &Counter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s settings) classifierFor(dialect string) domain.DialectClassifier {
	if s.dialects != nil {
		if c := s.dialects(dialect); c != nil {
			return c
		}
	}
	return s.classifier
}
