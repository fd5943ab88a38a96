package qmm

import (
	"time"

	"querymeta/internal/domain"
)

// Object is the lifecycle state every record carries.
type Object struct {
	ID        uint64
	Kind      domain.RecordKind
	OpenTime  time.Time
	CloseTime time.Time // zero while open
	Updated   bool      // dirty flag consumed by the archiver
}

// IsClosed reports whether the object has been closed.
func (o Object) IsClosed() bool {
	return !o.CloseTime.IsZero()
}

// Duration returns CloseTime-OpenTime. ok is false while the object is open.
func (o Object) Duration() (d time.Duration, ok bool) {
	if o.CloseTime.IsZero() {
		return 0, false
	}
	return o.CloseTime.Sub(o.OpenTime), true
}

// object is the mutable form of Object held in a connection arena.
// All access goes through the owning Connection's lock.
type object struct {
	id      uint64
	kind    domain.RecordKind
	opened  time.Time
	closed  time.Time
	updated bool
}

// close stamps the close time. A second close leaves the first close time
// untouched and returns false.
func (o *object) close(now time.Time) bool {
	if !o.closed.IsZero() {
		return false
	}
	o.closed = now
	o.updated = true
	return true
}

func (o *object) reopen() {
	o.closed = time.Time{}
	o.updated = true
}

func (o *object) isClosed() bool { return !o.closed.IsZero() }

func (o *object) touch() { o.updated = true }

func (o *object) meta() Object {
	return Object{
		ID:        o.id,
		Kind:      o.kind,
		OpenTime:  o.opened,
		CloseTime: o.closed,
		Updated:   o.updated,
	}
}
