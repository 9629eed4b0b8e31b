package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderElector grants at most one runtime instance the right to run a given
// processor at a time.
type LeaderElector interface {
	// TryAcquire attempts to become leader for the processor. Returns true
	// on success; false when another instance holds the lease.
	TryAcquire(ctx context.Context, processorID string) (bool, error)

	// IsLeader reports whether this elector currently holds the lease.
	IsLeader(processorID string) bool

	// Release gives up leadership for the processor.
	Release(ctx context.Context, processorID string) error

	// ReleaseAll gives up every lease held by this elector.
	ReleaseAll(ctx context.Context)
}

// pgLeaderElector implements LeaderElector with PostgreSQL session-scoped
// advisory locks. Each held lease pins one pooled connection: the lock lives
// exactly as long as the session, so a crashed leader's lease disappears when
// its connection dies.
type pgLeaderElector struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	leases map[string]*pgxpool.Conn
}

// NewLeaderElector creates a PostgreSQL advisory-lock elector over the pool.
func NewLeaderElector(pool *pgxpool.Pool) LeaderElector {
	return &pgLeaderElector{
		pool:   pool,
		leases: make(map[string]*pgxpool.Conn),
	}
}

func (e *pgLeaderElector) TryAcquire(ctx context.Context, processorID string) (bool, error) {
	e.mu.Lock()
	held, isHeld := e.leases[processorID]
	e.mu.Unlock()
	if isHeld {
		if err := held.Ping(ctx); err == nil {
			return true, nil
		}
		// The pinned session died and PostgreSQL freed the advisory lock
		// with it. Drop the stale lease and contend again below; another
		// instance may have taken over in the meantime.
		e.mu.Lock()
		delete(e.leases, processorID)
		e.mu.Unlock()
		held.Release()
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for leader election: %w", err)
	}

	var acquired bool
	err = conn.QueryRow(ctx,
		"SELECT pg_try_advisory_lock(hashtext($1))",
		"processor:"+processorID,
	).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("leader election query failed for %s: %w", processorID, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	e.mu.Lock()
	e.leases[processorID] = conn
	e.mu.Unlock()
	return true, nil
}

func (e *pgLeaderElector) IsLeader(processorID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, held := e.leases[processorID]
	return held
}

func (e *pgLeaderElector) Release(ctx context.Context, processorID string) error {
	e.mu.Lock()
	conn, held := e.leases[processorID]
	delete(e.leases, processorID)
	e.mu.Unlock()

	if !held {
		return nil
	}

	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", "processor:"+processorID)
	conn.Release()
	if err != nil {
		return fmt.Errorf("failed to release leadership for %s: %w", processorID, err)
	}
	return nil
}

func (e *pgLeaderElector) ReleaseAll(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.leases))
	for id := range e.leases {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.Release(ctx, id)
	}
}
