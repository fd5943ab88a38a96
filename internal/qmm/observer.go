package qmm

// EventType names a mutation of the meta model.
type EventType int

// Event types delivered to observers.
const (
	EventConnectionOpened EventType = iota + 1
	EventConnectionReopened
	EventConnectionClosed
	EventStatementOpened
	EventStatementClosed
	EventStatementLeaked
	EventExecutionBegan
	EventExecutionEnded
	EventFetchBegan
	EventFetchEnded
	EventCommitted
	EventRolledBack
	EventSavepointSet
	EventSavepointReleased
	EventTransactionalChanged
)

var eventNames = map[EventType]string{
	EventConnectionOpened:     "connection_opened",
	EventConnectionReopened:   "connection_reopened",
	EventConnectionClosed:     "connection_closed",
	EventStatementOpened:      "statement_opened",
	EventStatementClosed:      "statement_closed",
	EventStatementLeaked:      "statement_leaked",
	EventExecutionBegan:       "execution_began",
	EventExecutionEnded:       "execution_ended",
	EventFetchBegan:           "fetch_began",
	EventFetchEnded:           "fetch_ended",
	EventCommitted:            "committed",
	EventRolledBack:           "rolled_back",
	EventSavepointSet:         "savepoint_set",
	EventSavepointReleased:    "savepoint_released",
	EventTransactionalChanged: "transactional_changed",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event describes one mutation. Record is the record the mutation produced
// or closed; it is nil when the operation found nothing.
type Event struct {
	Type       EventType
	Connection ConnectionState
	Record     Record
}

// Observer receives events after the connection lock has been released.
// Observers run on the mutating goroutine and must not block.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ev Event) { f(ev) }
