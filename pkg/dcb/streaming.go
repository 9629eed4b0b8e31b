package dcb

import (
	"context"
	"fmt"
	"time"
)

// eventIterator walks a result set one event at a time without materializing
// the full slice. It holds a pooled connection until Close is called.
type eventIterator struct {
	rows    rowsCloser
	current Event
	err     error
	closed  bool
}

// rowsCloser is the subset of pgx.Rows the iterator needs.
type rowsCloser interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// QueryStream reads events matching the query as a lazy iterator. The caller
// must call Close when done, or the underlying connection stays acquired.
func (es *eventStore) QueryStream(ctx context.Context, query Query, options *QueryOptions) (EventIterator, error) {
	sqlQuery, args, err := buildQuerySQL(query, options)
	if err != nil {
		return nil, err
	}

	rows, err := es.db().Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &ResourceError{
			EventStoreError: EventStoreError{
				Op:  "queryStream",
				Err: fmt.Errorf("failed to execute streaming query: %w", err),
			},
			Resource: "database",
		}
	}

	return &eventIterator{rows: rows}, nil
}

// Next advances to the next event. It returns false when the result set is
// exhausted or an error occurred; check Err after the loop.
func (it *eventIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = &ResourceError{
				EventStoreError: EventStoreError{
					Op:  "queryStream",
					Err: fmt.Errorf("error iterating over events: %w", err),
				},
				Resource: "database",
			}
		}
		return false
	}

	event, err := scanEventIteratorRow(it.rows)
	if err != nil {
		it.err = err
		return false
	}
	it.current = event
	return true
}

// Event returns the event at the current iterator position.
func (it *eventIterator) Event() Event { return it.current }

// Err returns the first error encountered during iteration.
func (it *eventIterator) Err() error { return it.err }

// Close releases the underlying result set. Safe to call multiple times.
func (it *eventIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.rows.Close()
	return nil
}

func scanEventIteratorRow(rows rowsCloser) (Event, error) {
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
				Op:  "queryStream",
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
