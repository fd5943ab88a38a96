package qmm

import (
	"slices"
	"sync"
	"time"

	"querymeta/internal/domain"
)

// Collector keeps every connection recorded by one process. All its
// connections share one id allocator, logger, clock and observer set.
type Collector struct {
	cfg settings

	mu    sync.RWMutex
	conns []*Connection
	byKey map[string]*Connection
	byID  map[uint64]*Connection
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	return &Collector{
		cfg:   newSettings(opts),
		byKey: make(map[string]*Connection),
		byID:  make(map[uint64]*Connection),
	}
}

// Open records a newly opened execution context. If a closed connection
// with the same session key exists it is reopened instead, so the history
// of a reconnected session stays in one place. A closed record is reopened
// by at most one caller; concurrent opens of the same key get fresh records.
func (c *Collector) Open(info domain.ConnectionInfo, transactional bool) *Connection {
	key := info.SessionKey()
	c.mu.Lock()
	if existing := c.byKey[key]; existing != nil {
		if ev, ok := existing.reopenIfClosed(info); ok {
			c.mu.Unlock()
			existing.emit(ev)
			return existing
		}
	}
	// Ids are allocated under the lock so conns stays ordered by id.
	conn := newConnection(c.cfg, info, transactional)
	c.conns = append(c.conns, conn)
	c.byKey[key] = conn
	c.byID[conn.ID()] = conn
	c.mu.Unlock()
	conn.emit(Event{Type: EventConnectionOpened, Connection: conn.State()})
	return conn
}

// Get returns the connection with the given object id.
func (c *Collector) Get(id uint64) (*Connection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.byID[id]
	if !ok {
		return nil, domain.ErrNotFound("connection %d not found", id)
	}
	return conn, nil
}

// Lookup returns the latest connection recorded for a session key.
func (c *Collector) Lookup(key string) (*Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.byKey[key]
	return conn, ok
}

// Close closes the latest connection recorded for a session key. It
// reports whether such a connection exists.
func (c *Collector) Close(key string) bool {
	conn, ok := c.Lookup(key)
	if !ok {
		return false
	}
	conn.Close()
	return true
}

// Connections returns every recorded connection ordered by object id.
func (c *Collector) Connections() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.conns)
}

// Purge forgets connections that were closed before the cutoff and returns
// how many were dropped.
func (c *Collector) Purge(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.conns[:0]
	dropped := 0
	for _, conn := range c.conns {
		st := conn.State()
		if st.IsClosed() && st.CloseTime.Before(before) {
			delete(c.byID, conn.ID())
			if c.byKey[st.Info.SessionKey()] == conn {
				delete(c.byKey, st.Info.SessionKey())
			}
			dropped++
			continue
		}
		kept = append(kept, conn)
	}
	clear(c.conns[len(kept):])
	c.conns = kept
	return dropped
}

// CloseAll closes every open connection, e.g. on shutdown.
func (c *Collector) CloseAll() {
	for _, conn := range c.Connections() {
		conn.Close()
	}
}
