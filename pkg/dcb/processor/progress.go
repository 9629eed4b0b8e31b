package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.jetify.com/typeid"

	"go-ledgerbook/pkg/dcb"
)

// Status is the lifecycle state of a processor.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusPaused Status = "PAUSED"
	StatusFailed Status = "FAILED"
)

// Progress is a processor's durable state: how far it has read, whether it
// runs, and its consecutive error count. InstanceID records which runtime
// instance last touched the row, for diagnostics.
type Progress struct {
	ProcessorID  string
	LastPosition int64
	Status       Status
	ErrorCount   int
	LastError    string
	InstanceID   string
	UpdatedAt    time.Time
}

// ProgressStore persists processor progress rows.
type ProgressStore interface {
	// Ensure registers the processor if it is not known yet. Existing rows
	// are left untouched, so a restart resumes from the stored position.
	Ensure(ctx context.Context, processorID string) error

	// Get returns the progress row for the processor.
	Get(ctx context.Context, processorID string) (Progress, error)

	// RecordBatch advances the position after a successfully handled batch
	// and clears the consecutive error count.
	RecordBatch(ctx context.Context, processorID string, position int64) error

	// RecordError increments the consecutive error count without moving the
	// position, and marks the processor FAILED once the count reaches maxErrors.
	RecordError(ctx context.Context, processorID string, cause error, maxErrors int) (errorCount int, failed bool, err error)

	// SetStatus overwrites the processor status. Setting ACTIVE clears the
	// error count. Fails for unknown processor ids.
	SetStatus(ctx context.Context, processorID string, status Status) error

	// Reset reactivates the processor and clears its error count. With
	// resetPosition it also moves the processor back to the start of the
	// stream. Fails for unknown processor ids.
	Reset(ctx context.Context, processorID string, resetPosition bool) error

	// All returns progress rows for every known processor.
	All(ctx context.Context) ([]Progress, error)
}

// pgProgressStore stores progress in the processor_progress table. Each
// store instance carries a unique instance id stamped onto the rows it
// touches.
type pgProgressStore struct {
	pool       *pgxpool.Pool
	instanceID string
}

// NewProgressStore creates a PostgreSQL-backed progress store with a fresh
// instance identifier.
func NewProgressStore(pool *pgxpool.Pool) ProgressStore {
	return &pgProgressStore{pool: pool, instanceID: newInstanceID()}
}

func newInstanceID() string {
	tid, err := typeid.WithPrefix("instance")
	if err != nil {
		tid, _ = typeid.WithPrefix("")
	}
	return tid.String()
}

func (s *pgProgressStore) Ensure(ctx context.Context, processorID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processor_progress (processor_id, last_position, status, error_count, instance_id, updated_at)
		VALUES ($1, 0, $2, 0, $3, now())
		ON CONFLICT (processor_id) DO NOTHING
	`, processorID, StatusActive, s.instanceID)
	if err != nil {
		return fmt.Errorf("failed to register processor %s: %w", processorID, err)
	}
	return nil
}

func (s *pgProgressStore) Get(ctx context.Context, processorID string) (Progress, error) {
	var p Progress
	var lastError, instanceID *string
	err := s.pool.QueryRow(ctx, `
		SELECT processor_id, last_position, status, error_count, last_error, instance_id, updated_at
		FROM processor_progress WHERE processor_id = $1
	`, processorID).Scan(&p.ProcessorID, &p.LastPosition, &p.Status, &p.ErrorCount, &lastError, &instanceID, &p.UpdatedAt)
	if err != nil {
		return Progress{}, fmt.Errorf("failed to read progress for %s: %w", processorID, err)
	}
	if lastError != nil {
		p.LastError = *lastError
	}
	if instanceID != nil {
		p.InstanceID = *instanceID
	}
	return p, nil
}

func (s *pgProgressStore) RecordBatch(ctx context.Context, processorID string, position int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processor_progress
		SET last_position = $2, error_count = 0, last_error = NULL, instance_id = $3, updated_at = now()
		WHERE processor_id = $1
	`, processorID, position, s.instanceID)
	if err != nil {
		return fmt.Errorf("failed to record progress for %s: %w", processorID, err)
	}
	return nil
}

func (s *pgProgressStore) RecordError(ctx context.Context, processorID string, cause error, maxErrors int) (int, bool, error) {
	var errorCount int
	var status Status
	err := s.pool.QueryRow(ctx, `
		UPDATE processor_progress
		SET error_count = error_count + 1,
		    last_error = $2,
		    status = CASE WHEN error_count + 1 >= $3 THEN $4::text ELSE status END,
		    updated_at = now()
		WHERE processor_id = $1
		RETURNING error_count, status
	`, processorID, cause.Error(), maxErrors, StatusFailed).Scan(&errorCount, &status)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record error for %s: %w", processorID, err)
	}
	return errorCount, status == StatusFailed, nil
}

func (s *pgProgressStore) SetStatus(ctx context.Context, processorID string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processor_progress
		SET status = $2,
		    error_count = CASE WHEN $2 = $3::text THEN 0 ELSE error_count END,
		    last_error = CASE WHEN $2 = $3::text THEN NULL ELSE last_error END,
		    updated_at = now()
		WHERE processor_id = $1
	`, processorID, status, StatusActive)
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", processorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unknown processor %s", processorID)
	}
	return nil
}

func (s *pgProgressStore) Reset(ctx context.Context, processorID string, resetPosition bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processor_progress
		SET last_position = CASE WHEN $3 THEN 0 ELSE last_position END,
		    status = $2, error_count = 0, last_error = NULL, updated_at = now()
		WHERE processor_id = $1
	`, processorID, StatusActive, resetPosition)
	if err != nil {
		return fmt.Errorf("failed to reset processor %s: %w", processorID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("unknown processor %s", processorID)
	}
	return nil
}

func (s *pgProgressStore) All(ctx context.Context) ([]Progress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT processor_id, last_position, status, error_count, last_error, instance_id, updated_at
		FROM processor_progress ORDER BY processor_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processor progress: %w", err)
	}
	defer rows.Close()

	var all []Progress
	for rows.Next() {
		var p Progress
		var lastError, instanceID *string
		if err := rows.Scan(&p.ProcessorID, &p.LastPosition, &p.Status, &p.ErrorCount, &lastError, &instanceID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan processor progress: %w", err)
		}
		if lastError != nil {
			p.LastError = *lastError
		}
		if instanceID != nil {
			p.InstanceID = *instanceID
		}
		all = append(all, p)
	}
	return all, rows.Err()
}

// Lag reports how far a processor trails the head of the stream.
func Lag(ctx context.Context, store dcb.EventStore, progress ProgressStore, processorID string) (int64, error) {
	head, err := store.MaxPosition(ctx)
	if err != nil {
		return 0, err
	}
	p, err := progress.Get(ctx, processorID)
	if err != nil {
		return 0, err
	}
	lag := head.Position - p.LastPosition
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}
