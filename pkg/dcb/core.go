// Package dcb implements a PostgreSQL-backed event store built around
// Dynamic Consistency Boundaries: tag-based queries define the set of
// events an operation reads to decide, and appends are made conditional
// on that same boundary.
package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event represents a single committed event in the store
type Event struct {
	Type          string    `json:"type"`
	Tags          []Tag     `json:"tags"`
	Data          []byte    `json:"data"`
	Position      int64     `json:"position"`
	TransactionID uint64    `json:"transaction_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// InputEvent represents an event to be appended to the store
type InputEvent struct {
	Type string `json:"type"`
	Tags []Tag  `json:"tags"`
	Data []byte `json:"data"`
}

// Tag represents a key-value pair for event categorization
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Query represents a composite query with multiple items combined with OR logic.
// An empty query matches all events.
type Query struct {
	Items []QueryItem `json:"items"`
}

// QueryItem represents a single atomic query condition: the event type must be
// in EventTypes (if non-empty) AND every tag in Tags must be present on the event.
type QueryItem struct {
	EventTypes []string `json:"event_types"`
	Tags       []Tag    `json:"tags"`
}

// Cursor marks a position in the global stream. The zero value means
// "no events observed yet". Ordering is defined on Position alone.
type Cursor struct {
	Position int64 `json:"position"`
}

// IsZero reports whether the cursor marks the start of the stream.
func (c Cursor) IsZero() bool { return c.Position == 0 }

// Compare returns -1, 0 or 1 ordering c against other by position.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.Position < other.Position:
		return -1
	case c.Position > other.Position:
		return 1
	default:
		return 0
	}
}

func (c Cursor) String() string { return fmt.Sprintf("cursor(%d)", c.Position) }

// AppendCondition makes an append conditional on the state the caller saw.
// Construct via NewAppendCondition / NewIdempotencyCondition; the zero value
// disables all checks.
type AppendCondition struct {
	stateChangeQuery *Query
	afterCursor      Cursor
	idempotencyQuery *Query
}

// IsEmpty reports whether the condition disables all checks.
func (ac AppendCondition) IsEmpty() bool {
	return ac.stateChangeQuery == nil && ac.idempotencyQuery == nil
}

// WithIdempotency returns a copy of the condition that also fails with a
// DuplicateError if any event of the given type carrying the given tag
// already exists, regardless of position.
func (ac AppendCondition) WithIdempotency(eventType, tagKey, tagValue string) AppendCondition {
	q := Query{Items: []QueryItem{{
		EventTypes: []string{eventType},
		Tags:       []Tag{{Key: tagKey, Value: tagValue}},
	}}}
	ac.idempotencyQuery = &q
	return ac
}

// StateProjector folds matching events into a typed state value.
// TransitionFn must be pure: same state and event always produce the same result.
type StateProjector struct {
	ID           string                           `json:"id"`
	EventTypes   []string                         `json:"event_types"`
	InitialState any                              `json:"initial_state"`
	TransitionFn func(state any, event Event) any `json:"-"`
}

// EventIterator provides a streaming interface for reading events
type EventIterator interface {
	// Next advances to the next event, returning false if no more events
	Next() bool

	// Event returns the current event
	Event() Event

	// Err returns any error that occurred during iteration
	Err() error

	// Close closes the iterator and releases resources
	Close() error
}

// QueryOptions provides options for reading events
type QueryOptions struct {
	After *Cursor `json:"after"`
	Limit *int    `json:"limit"`
}

// EventStore is the core interface for appending, querying and projecting events
type EventStore interface {

	// Query reads events matching the query in ascending position order
	Query(ctx context.Context, query Query, options *QueryOptions) ([]Event, error)

	// QueryStream returns an iterator over events matching the query,
	// in ascending position order, for large result sets
	QueryStream(ctx context.Context, query Query, options *QueryOptions) (EventIterator, error)

	// MaxPosition returns the highest committed position (zero cursor when empty)
	MaxPosition(ctx context.Context) (Cursor, error)

	// Append appends events unconditionally
	Append(ctx context.Context, events []InputEvent) (Cursor, error)

	// AppendIf appends events only if the condition holds, evaluated in the
	// same transaction as the insert: idempotency check first (DuplicateError),
	// then cursor check (ConcurrencyError)
	AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error)

	// Project folds events matching the query with position > after through
	// the projectors and returns final states keyed by projector ID plus the
	// cursor of the last event seen
	Project(ctx context.Context, query Query, after *Cursor, projectors []StateProjector) (map[string]any, Cursor, error)

	// ProjectDecisionModel is Project plus an AppendCondition binding a
	// subsequent append to the state the caller saw
	ProjectDecisionModel(ctx context.Context, query Query, after *Cursor, projectors []StateProjector) (map[string]any, AppendCondition, error)

	// InTransaction runs fn with a transaction-scoped view of the store.
	// Commits when fn returns nil; rolls back on error or panic.
	// Nested calls are rejected.
	InTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error

	// StoreCommand persists a command record stamped with the active transaction
	StoreCommand(ctx context.Context, commandType string, data []byte, metadata map[string]any) error

	// GetConfig returns the current EventStore configuration
	GetConfig() EventStoreConfig

	// Pool exposes the underlying connection pool for collaborators
	// (processor runtime, leader elector)
	Pool() *pgxpool.Pool
}

// IsolationLevel represents PostgreSQL transaction isolation levels as a type-safe enum
type IsolationLevel int

const (
	IsolationLevelReadCommitted IsolationLevel = iota
	IsolationLevelRepeatableRead
	IsolationLevelSerializable
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationLevelReadCommitted:
		return "READ_COMMITTED"
	case IsolationLevelRepeatableRead:
		return "REPEATABLE_READ"
	case IsolationLevelSerializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "READ_COMMITTED":
		return IsolationLevelReadCommitted, nil
	case "REPEATABLE_READ":
		return IsolationLevelRepeatableRead, nil
	case "SERIALIZABLE":
		return IsolationLevelSerializable, nil
	default:
		return IsolationLevelReadCommitted, fmt.Errorf("invalid isolation level: %s", s)
	}
}

// EventStoreConfig contains configuration for the EventStore
type EventStoreConfig struct {
	MaxBatchSize           int            `json:"max_batch_size"`
	DefaultAppendIsolation IsolationLevel `json:"default_append_isolation"`
	PersistCommands        bool           `json:"persist_commands"`
	StreamBuffer           int            `json:"stream_buffer"`
}

// DefaultEventStoreConfig returns the configuration used when none is supplied.
func DefaultEventStoreConfig() EventStoreConfig {
	return EventStoreConfig{
		MaxBatchSize:           1000,
		DefaultAppendIsolation: IsolationLevelReadCommitted,
		PersistCommands:        true,
		StreamBuffer:           100,
	}
}

// ConnectionPoolHealth is a point-in-time snapshot of the pgx pool
type ConnectionPoolHealth struct {
	TotalConns        int32  `json:"total_conns"`
	IdleConns         int32  `json:"idle_conns"`
	AcquiredConns     int32  `json:"acquired_conns"`
	ConstructingConns int32  `json:"constructing_conns"`
	Healthy           bool   `json:"healthy"`
	Message           string `json:"message"`
}
