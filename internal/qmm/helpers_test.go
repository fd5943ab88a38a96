package qmm

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"querymeta/internal/domain"
)

// fakeStatement is a live statement handle; tests compare it by pointer.
type fakeStatement struct {
	query string
}

func (s *fakeStatement) QueryString() string { return s.query }

type fakeParamStatement struct {
	query     string
	formatted string
}

func (s *fakeParamStatement) QueryString() string    { return s.query }
func (s *fakeParamStatement) FormattedQuery() string { return s.formatted }

type classifierFunc func(string) bool

func (f classifierFunc) IsTransactionModifying(q string) bool { return f(q) }

// prefixClassifier treats everything except SELECT as transaction modifying.
var prefixClassifier = classifierFunc(func(q string) bool {
	return !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(q)), "SELECT")
})

// stepClock advances one millisecond on every reading.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// logBuffer is a goroutine-safe sink for a text slog handler.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) Count(msg string) int {
	return strings.Count(b.String(), "msg=\""+msg+"\"")
}

func testInfo() domain.ConnectionInfo {
	return domain.ConnectionInfo{
		ContainerID:   "pg-local",
		ContainerName: "Local Postgres",
		DriverID:      "postgres-jdbc",
		InstanceID:    "main",
		ContextName:   "Main",
		Dialect:       "postgres",
	}
}

type harness struct {
	conn  *Connection
	logs  *logBuffer
	clock *stepClock
}

func newHarness(t *testing.T, transactional bool, opts ...Option) *harness {
	t.Helper()
	h := &harness{logs: &logBuffer{}, clock: newStepClock()}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(h.logs, nil))),
		WithClock(h.clock.Now),
		WithClassifier(prefixClassifier),
	}
	h.conn = NewConnection(testInfo(), transactional, append(base, opts...)...)
	return h
}

func collect[T any](seq func(func(T) bool)) []T {
	var out []T
	for v := range seq {
		out = append(out, v)
	}
	return out
}
