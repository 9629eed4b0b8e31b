package dcb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// appendLockKey serializes appenders so positions are assigned densely in
// commit order. Transaction-scoped, so it is released on commit or rollback.
const appendLockKey = int64(0x6C656467_65720001)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// eventStore implements EventStore.
type eventStore struct {
	pool   *pgxpool.Pool // Database connection pool
	tx     pgx.Tx        // Non-nil inside InTransaction
	config EventStoreConfig
	clock  *ClockProvider
}

// NewEventStore creates a new EventStore using the provided PostgreSQL
// connection pool and the default configuration.
func NewEventStore(ctx context.Context, pool *pgxpool.Pool) (EventStore, error) {
	return NewEventStoreWithConfig(ctx, pool, DefaultEventStoreConfig(), NewClockProvider())
}

// NewEventStoreWithConfig creates a new EventStore with explicit configuration
// and clock. It tests the connection before returning.
func NewEventStoreWithConfig(ctx context.Context, pool *pgxpool.Pool, config EventStoreConfig, clock *ClockProvider) (EventStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "NewEventStore",
				Err: fmt.Errorf("unable to connect to database: %w", err),
			},
			Resource: "database",
		}
	}

	if clock == nil {
		clock = NewClockProvider()
	}
	return &eventStore{pool: pool, config: config, clock: clock}, nil
}

// NewEventStoreFromPool creates a new EventStore from an existing pool without
// connection testing. This is used for tests that share a PostgreSQL container.
func NewEventStoreFromPool(pool *pgxpool.Pool) EventStore {
	return &eventStore{
		pool:   pool,
		config: DefaultEventStoreConfig(),
		clock:  NewClockProvider(),
	}
}

// db returns the transaction-scoped handle when inside InTransaction,
// otherwise the pool.
func (es *eventStore) db() querier {
	if es.tx != nil {
		return es.tx
	}
	return es.pool
}

func (es *eventStore) GetConfig() EventStoreConfig { return es.config }

func (es *eventStore) Pool() *pgxpool.Pool { return es.pool }

// Query reads events matching the query in ascending position order.
func (es *eventStore) Query(ctx context.Context, query Query, options *QueryOptions) ([]Event, error) {
	sqlQuery, args, err := buildQuerySQL(query, options)
	if err != nil {
		return nil, err
	}

	rows, err := es.db().Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to execute read query: %w", err),
			},
			Resource: "database",
		}
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("error iterating over events: %w", err),
			},
			Resource: "database",
		}
	}

	return events, nil
}

// scanEventRow scans a single row from the eventColumns projection.
func scanEventRow(rows pgx.Rows) (Event, error) {
	var (
		eventType  string
		tagsArray  []string
		data       []byte
		position   int64
		txID       uint64
		occurredAt time.Time
	)

	if err := rows.Scan(&eventType, &tagsArray, &data, &position, &txID, &occurredAt); err != nil {
		return Event{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "query",
				Err: fmt.Errorf("failed to scan event row: %w", err),
			},
			Resource: "database",
		}
	}

	return Event{
		Type:          eventType,
		Tags:          ParseTagsArray(tagsArray),
		Data:          data,
		Position:      position,
		TransactionID: txID,
		OccurredAt:    occurredAt,
	}, nil
}

// MaxPosition returns the highest committed position, or the zero cursor
// when the store is empty.
func (es *eventStore) MaxPosition(ctx context.Context) (Cursor, error) {
	var position int64
	err := es.db().QueryRow(ctx,
		"SELECT COALESCE(MAX(position), 0) FROM events WHERE "+visibilityFilter,
	).Scan(&position)
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "maxPosition",
				Err: fmt.Errorf("failed to read max position: %w", err),
			},
			Resource: "database",
		}
	}
	return Cursor{Position: position}, nil
}

// Append appends events unconditionally.
func (es *eventStore) Append(ctx context.Context, events []InputEvent) (Cursor, error) {
	return es.AppendIf(ctx, events, AppendCondition{})
}

// AppendIf appends events only if the condition holds. Both checks and the
// insert run in the same transaction: the idempotency check first (existence
// regardless of position), then the cursor check (no matching event with
// position > cursor).
func (es *eventStore) AppendIf(ctx context.Context, events []InputEvent, condition AppendCondition) (Cursor, error) {
	if len(events) == 0 {
		return Cursor{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("events must not be empty"),
			},
			Field: "events",
			Value: "empty",
		}
	}
	if err := es.validateBatchSize(events, "append"); err != nil {
		return Cursor{}, err
	}
	if err := validateEvents(events); err != nil {
		return Cursor{}, err
	}

	// Inside InTransaction the caller owns the commit.
	if es.tx != nil {
		return es.appendInTx(ctx, es.tx, events, condition)
	}

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}
	defer tx.Rollback(ctx)

	cursor, err := es.appendInTx(ctx, tx, events, condition)
	if err != nil {
		return Cursor{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}

	return cursor, nil
}

// appendInTx evaluates the condition and inserts the events inside tx.
// Positions are assigned densely from MAX(position) under a transaction-scoped
// advisory lock, so committed positions are gap-free and follow commit order.
func (es *eventStore) appendInTx(ctx context.Context, tx pgx.Tx, events []InputEvent, condition AppendCondition) (Cursor, error) {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to acquire append lock: %w", err),
			},
			Resource: "database",
		}
	}

	if err := es.checkCondition(ctx, tx, condition); err != nil {
		return Cursor{}, err
	}

	var currentPosition int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&currentPosition); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to read current position: %w", err),
			},
			Resource: "database",
		}
	}

	occurredAt := es.clock.Now()
	batch := &pgx.Batch{}
	for i, event := range events {
		batch.Queue(`
			INSERT INTO events (position, type, tags, data, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
		`, currentPosition+int64(i+1), event.Type, TagsToArray(event.Tags), event.Data, occurredAt)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return Cursor{}, &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("failed to insert event %d: %w", i, err),
				},
				Resource: "database",
			}
		}
	}
	if err := br.Close(); err != nil {
		return Cursor{}, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to flush event batch: %w", err),
			},
			Resource: "database",
		}
	}

	return Cursor{Position: currentPosition + int64(len(events))}, nil
}

// checkCondition evaluates the idempotency check first, then the cursor check.
func (es *eventStore) checkCondition(ctx context.Context, tx pgx.Tx, condition AppendCondition) error {
	if condition.idempotencyQuery != nil {
		exists, err := es.queryExists(ctx, tx, *condition.idempotencyQuery, nil)
		if err != nil {
			return err
		}
		if exists {
			dup := &DuplicateError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("idempotency check matched: duplicate event already exists"),
				},
			}
			if item := firstItem(*condition.idempotencyQuery); item != nil {
				if len(item.EventTypes) > 0 {
					dup.EventType = item.EventTypes[0]
				}
				if len(item.Tags) > 0 {
					dup.Tag = item.Tags[0]
				}
			}
			return dup
		}
	}

	if condition.stateChangeQuery != nil {
		after := condition.afterCursor.Position
		exists, err := es.queryExists(ctx, tx, *condition.stateChangeQuery, &after)
		if err != nil {
			return err
		}
		if exists {
			return &ConcurrencyError{
				EventStoreError: EventStoreError{
					Op:  "append",
					Err: fmt.Errorf("append condition violated: events matching query exist after position %d", after),
				},
				Cursor: condition.afterCursor,
			}
		}
	}

	return nil
}

func (es *eventStore) queryExists(ctx context.Context, tx pgx.Tx, query Query, afterPosition *int64) (bool, error) {
	sqlQuery, args, err := buildExistsSQL(query, afterPosition)
	if err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRow(ctx, sqlQuery, args...).Scan(&exists); err != nil {
		return false, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "append",
				Err: fmt.Errorf("failed to evaluate append condition: %w", err),
			},
			Resource: "database",
		}
	}
	return exists, nil
}

func firstItem(q Query) *QueryItem {
	if len(q.Items) == 0 {
		return nil
	}
	return &q.Items[0]
}

// InTransaction runs fn with a transaction-scoped view of the store.
func (es *eventStore) InTransaction(ctx context.Context, fn func(ctx context.Context, store EventStore) error) error {
	if es.tx != nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "inTransaction",
				Err: fmt.Errorf("nested transactions are not supported"),
			},
			Field: "transaction",
			Value: "nested",
		}
	}

	tx, err := es.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel: toPgxIsoLevel(es.config.DefaultAppendIsolation),
	})
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "inTransaction",
				Err: fmt.Errorf("failed to begin transaction: %w", err),
			},
			Resource: "database",
		}
	}

	scoped := &eventStore{pool: es.pool, tx: tx, config: es.config, clock: es.clock}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(ctx, scoped); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "inTransaction",
				Err: fmt.Errorf("failed to commit transaction: %w", err),
			},
			Resource: "database",
		}
	}
	return nil
}

// StoreCommand persists a command record stamped with the active transaction
// identifier, so the command and the events it produced share one commit.
func (es *eventStore) StoreCommand(ctx context.Context, commandType string, data []byte, metadata map[string]any) error {
	if commandType == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: errors.New("command type must not be empty"),
			},
			Field: "commandType",
			Value: "empty",
		}
	}

	var metadataJSON []byte
	if metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "storeCommand",
					Err: fmt.Errorf("failed to marshal command metadata: %w", err),
				},
				Resource: "json",
			}
		}
	}

	_, err := es.db().Exec(ctx, `
		INSERT INTO commands (command_id, transaction_id, type, data, metadata, recorded_at)
		VALUES ($1, pg_current_xact_id(), $2, $3, $4, $5)
	`, uuid.NewString(), commandType, data, metadataJSON, es.clock.Now())
	if err != nil {
		return &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "storeCommand",
				Err: fmt.Errorf("failed to store command: %w", err),
			},
			Resource: "database",
		}
	}
	return nil
}

// CheckPoolHealth returns a snapshot of the connection pool.
func CheckPoolHealth(store EventStore) ConnectionPoolHealth {
	stats := store.Pool().Stat()
	return ConnectionPoolHealth{
		TotalConns:        stats.TotalConns(),
		IdleConns:         stats.IdleConns(),
		AcquiredConns:     stats.AcquiredConns(),
		ConstructingConns: stats.ConstructingConns(),
		Healthy:           stats.TotalConns() > 0,
		Message:           fmt.Sprintf("Pool has %d total connections", stats.TotalConns()),
	}
}

// toPgxIsoLevel maps the config enum onto pgx isolation levels.
func toPgxIsoLevel(level IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}
