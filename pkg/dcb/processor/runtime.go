package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"go-ledgerbook/pkg/dcb"
)

// EventHandler processes a batch of events. A returned error leaves the
// processor's position untouched, so the same batch is redelivered.
type EventHandler interface {
	Handle(ctx context.Context, events []dcb.Event) error
}

// EventHandlerFunc allows using a function as an EventHandler.
type EventHandlerFunc func(ctx context.Context, events []dcb.Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, events []dcb.Event) error {
	return f(ctx, events)
}

// EventFetcher reads the next batch of events for a processor.
type EventFetcher interface {
	Fetch(ctx context.Context, query dcb.Query, after int64, limit int) ([]dcb.Event, error)
}

// storeFetcher fetches batches through the event store's query path, so
// processors only observe committed events in commit order.
type storeFetcher struct {
	store dcb.EventStore
}

// NewStoreFetcher adapts an EventStore into an EventFetcher.
func NewStoreFetcher(store dcb.EventStore) EventFetcher {
	return &storeFetcher{store: store}
}

func (f *storeFetcher) Fetch(ctx context.Context, query dcb.Query, after int64, limit int) ([]dcb.Event, error) {
	cursor := dcb.NewCursor(after)
	return f.store.Query(ctx, query, &dcb.QueryOptions{After: &cursor, Limit: &limit})
}

// CycleObserver is notified after each poll cycle that fetched events or
// failed. Idle cycles are not reported.
type CycleObserver interface {
	OnBatch(ctx context.Context, processorID string, eventCount int, lastPosition int64, err error)
}

// processorRun is the in-memory state of one registered processor.
type processorRun struct {
	config  Config
	query   dcb.Query
	handler EventHandler
	backoff *backoffState
	maxSkip int
}

// Runtime polls the store on behalf of registered processors. Each processor
// runs in its own goroutine, gated by leader election so that across runtime
// instances only one polls at a time.
type Runtime struct {
	store    dcb.EventStore
	progress ProgressStore
	elector  LeaderElector
	fetcher  EventFetcher
	observer CycleObserver

	mu         sync.RWMutex
	processors map[string]*processorRun
	started    bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewRuntime creates a processor runtime over the store. Progress and
// leadership live in the same database as the events.
func NewRuntime(store dcb.EventStore, progress ProgressStore, elector LeaderElector) *Runtime {
	return &Runtime{
		store:      store,
		progress:   progress,
		elector:    elector,
		fetcher:    NewStoreFetcher(store),
		processors: make(map[string]*processorRun),
	}
}

// SetFetcher replaces the batch source. Used by tests.
func (r *Runtime) SetFetcher(f EventFetcher) { r.fetcher = f }

// SetObserver installs the per-cycle observer.
func (r *Runtime) SetObserver(o CycleObserver) { r.observer = o }

// Register adds a processor to the runtime. Must be called before Start.
func (r *Runtime) Register(cfg Config, handler EventHandler) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("processor %s: handler must not be nil", cfg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("cannot register processor %s: runtime already started", cfg.ID)
	}
	if _, exists := r.processors[cfg.ID]; exists {
		return fmt.Errorf("processor %s already registered", cfg.ID)
	}

	r.processors[cfg.ID] = &processorRun{
		config:  cfg,
		query:   cfg.Query.ToQuery(),
		handler: handler,
		backoff: &backoffState{},
		maxSkip: maxSkipCycles(cfg.BackoffMaxSeconds, cfg.PollingIntervalMs),
	}
	return nil
}

// Start registers progress rows and launches one polling loop per enabled
// processor. It returns immediately; loops run until Stop.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runtime already started")
	}
	r.started = true
	runs := make([]*processorRun, 0, len(r.processors))
	for _, run := range r.processors {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	for _, run := range runs {
		if err := r.progress.Ensure(ctx, run.config.ID); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	group, groupCtx := errgroup.WithContext(loopCtx)
	r.group = group

	for _, run := range runs {
		if !run.config.Enabled {
			continue
		}
		run := run
		group.Go(func() error {
			r.pollLoop(groupCtx, run)
			return nil
		})
	}
	return nil
}

// Stop cancels all polling loops, waits up to the context deadline for them
// to drain, and releases every leadership lease.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	cancel, group := r.cancel, r.group
	r.started = false
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("timed out waiting for processors to stop: %w", ctx.Err())
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	r.elector.ReleaseAll(releaseCtx)

	return waitErr
}

func (r *Runtime) pollLoop(ctx context.Context, run *processorRun) {
	ticker := time.NewTicker(time.Duration(run.config.PollingIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx, run)
		}
	}
}

// runCycle performs one poll: leadership gate, status gate, backoff gate,
// fetch, handle, then progress accounting.
func (r *Runtime) runCycle(ctx context.Context, run *processorRun) {
	id := run.config.ID

	isLeader, err := r.elector.TryAcquire(ctx, id)
	if err != nil {
		log.Printf("processor %s: leader election failed: %v", id, err)
		return
	}
	if !isLeader {
		return
	}

	progress, err := r.progress.Get(ctx, id)
	if err != nil {
		log.Printf("processor %s: failed to read progress: %v", id, err)
		return
	}
	if progress.Status != StatusActive {
		return
	}

	if run.config.BackoffEnabled && run.backoff.gate() {
		return
	}

	events, err := r.fetcher.Fetch(ctx, run.query, progress.LastPosition, run.config.BatchSize)
	if err != nil {
		log.Printf("processor %s: fetch failed: %v", id, err)
		return
	}

	if len(events) == 0 {
		if run.config.BackoffEnabled {
			run.backoff.onEmpty(run.config.BackoffThreshold, run.config.BackoffMultiplier, run.maxSkip)
		}
		return
	}
	run.backoff.reset()

	lastPosition := events[len(events)-1].Position

	if err := run.handler.Handle(ctx, events); err != nil {
		r.notifyCycle(ctx, id, len(events), lastPosition, err)
		errorCount, failed, recErr := r.progress.RecordError(ctx, id, err, run.config.MaxErrors)
		if recErr != nil {
			log.Printf("processor %s: failed to record error: %v", id, recErr)
			return
		}
		if failed {
			log.Printf("processor %s: quarantined after %d consecutive errors: %v", id, errorCount, err)
		} else {
			log.Printf("processor %s: batch failed (attempt %d of %d): %v", id, errorCount, run.config.MaxErrors, err)
		}
		return
	}

	if err := r.progress.RecordBatch(ctx, id, lastPosition); err != nil {
		log.Printf("processor %s: failed to record progress: %v", id, err)
		return
	}
	r.notifyCycle(ctx, id, len(events), lastPosition, nil)
}

func (r *Runtime) notifyCycle(ctx context.Context, id string, count int, lastPosition int64, err error) {
	if r.observer != nil {
		r.observer.OnBatch(ctx, id, count, lastPosition, err)
	}
}

// RunCycleOnce runs a single poll cycle for the processor. Used by tests to
// drive the runtime deterministically without tickers.
func (r *Runtime) RunCycleOnce(ctx context.Context, processorID string) error {
	r.mu.RLock()
	run, ok := r.processors[processorID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown processor %s", processorID)
	}
	r.runCycle(ctx, run)
	return nil
}

// Pause stops a processor from polling until Resume.
func (r *Runtime) Pause(ctx context.Context, processorID string) error {
	return r.progress.SetStatus(ctx, processorID, StatusPaused)
}

// Resume reactivates a paused processor from its stored position. A FAILED
// processor cannot be resumed; it requires Reset.
func (r *Runtime) Resume(ctx context.Context, processorID string) error {
	progress, err := r.progress.Get(ctx, processorID)
	if err != nil {
		return err
	}
	switch progress.Status {
	case StatusActive:
		return nil
	case StatusFailed:
		return &dcb.ProcessorFailedError{
			EventStoreError: dcb.EventStoreError{
				Op:  "resume",
				Err: fmt.Errorf("processor %s is quarantined after %d errors; reset it instead", processorID, progress.ErrorCount),
			},
			ProcessorID: processorID,
			ErrorCount:  progress.ErrorCount,
		}
	}
	return r.progress.SetStatus(ctx, processorID, StatusActive)
}

// Reset reactivates a processor and clears its error count, keeping the
// stored position.
func (r *Runtime) Reset(ctx context.Context, processorID string) error {
	return r.reset(ctx, processorID, false)
}

// ResetPosition is Reset plus a rewind to the start of the stream, causing a
// full reprocess.
func (r *Runtime) ResetPosition(ctx context.Context, processorID string) error {
	return r.reset(ctx, processorID, true)
}

func (r *Runtime) reset(ctx context.Context, processorID string, resetPosition bool) error {
	r.mu.RLock()
	run, ok := r.processors[processorID]
	r.mu.RUnlock()
	if ok {
		run.backoff.reset()
	}
	return r.progress.Reset(ctx, processorID, resetPosition)
}

// GetStatus returns the processor's status. Unknown processors report ACTIVE:
// a processor that has never run is considered runnable, not failed.
func (r *Runtime) GetStatus(ctx context.Context, processorID string) (Status, error) {
	progress, err := r.progress.Get(ctx, processorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StatusActive, nil
		}
		return "", err
	}
	return progress.Status, nil
}

// GetLag reports how many committed events the processor has not yet handled.
// Unknown processors report zero lag, matching GetStatus.
func (r *Runtime) GetLag(ctx context.Context, processorID string) (int64, error) {
	lag, err := Lag(ctx, r.store, r.progress, processorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return lag, nil
}

// GetBackoffInfo returns the processor's current backoff state.
func (r *Runtime) GetBackoffInfo(processorID string) (BackoffInfo, bool) {
	r.mu.RLock()
	run, ok := r.processors[processorID]
	r.mu.RUnlock()
	if !ok {
		return BackoffInfo{}, false
	}
	return run.backoff.snapshot(processorID), true
}

// GetAllBackoffInfo returns backoff state for every registered processor.
func (r *Runtime) GetAllBackoffInfo() []BackoffInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]BackoffInfo, 0, len(r.processors))
	for id, run := range r.processors {
		infos = append(infos, run.backoff.snapshot(id))
	}
	return infos
}

// GetAllStatuses returns the progress row of every known processor.
func (r *Runtime) GetAllStatuses(ctx context.Context) ([]Progress, error) {
	return r.progress.All(ctx)
}
