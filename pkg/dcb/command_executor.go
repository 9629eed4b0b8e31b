package dcb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// CommandExecutor routes commands to registered handlers and runs each
// execution as one atomic unit: projection, condition evaluation, event
// append and command persistence share a single transaction.
type CommandExecutor struct {
	store    EventStore
	observer CommandObserver

	mu       sync.RWMutex
	handlers map[string]registeredHandler
}

type registeredHandler struct {
	handler         CommandHandler
	failOnDuplicate bool
}

// HandlerOption configures a handler registration.
type HandlerOption func(*registeredHandler)

// WithFailOnDuplicate makes Execute surface a DuplicateError from the append
// as a failure instead of reporting an idempotent outcome. Use for commands
// where a duplicate indicates a caller bug rather than a benign retry.
func WithFailOnDuplicate() HandlerOption {
	return func(r *registeredHandler) { r.failOnDuplicate = true }
}

// NewCommandExecutor creates a CommandExecutor over the given store.
func NewCommandExecutor(store EventStore) *CommandExecutor {
	return &CommandExecutor{
		store:    store,
		handlers: make(map[string]registeredHandler),
	}
}

// SetObserver installs the observer notified after each execution.
func (ce *CommandExecutor) SetObserver(o CommandObserver) { ce.observer = o }

// Register binds a handler to a command type. Registering an empty type or
// the same type twice is a programming error and fails with a ValidationError.
func (ce *CommandExecutor) Register(commandType string, handler CommandHandler, opts ...HandlerOption) error {
	if commandType == "" {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "register",
				Err: fmt.Errorf("command type must not be empty"),
			},
			Field: "commandType",
			Value: "empty",
		}
	}
	if handler == nil {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "register",
				Err: fmt.Errorf("handler must not be nil"),
			},
			Field: "handler",
			Value: commandType,
		}
	}

	ce.mu.Lock()
	defer ce.mu.Unlock()

	if _, exists := ce.handlers[commandType]; exists {
		return &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "register",
				Err: fmt.Errorf("handler already registered for command type %q", commandType),
			},
			Field: "commandType",
			Value: commandType,
		}
	}

	reg := registeredHandler{handler: handler}
	for _, opt := range opts {
		opt(&reg)
	}
	ce.handlers[commandType] = reg
	return nil
}

// Execute runs the command through its registered handler atomically.
//
// Outcomes:
//   - OutcomeCreated when events were appended
//   - OutcomeIdempotent when the handler returned no events with a reason,
//     or the append hit the idempotency condition (unless the handler was
//     registered with WithFailOnDuplicate)
//
// A ConcurrencyError from the append is always surfaced so the caller can
// retry with fresh state.
func (ce *CommandExecutor) Execute(ctx context.Context, cmd Command) (ExecutionResult, error) {
	start := time.Now()
	result, err := ce.execute(ctx, cmd)
	ce.notify(ctx, cmd, result, err, time.Since(start))
	return result, err
}

func (ce *CommandExecutor) execute(ctx context.Context, cmd Command) (ExecutionResult, error) {
	if cmd == nil || cmd.GetType() == "" {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("command type must not be empty"),
			},
			Field: "commandType",
			Value: "empty",
		}
	}

	ce.mu.RLock()
	reg, ok := ce.handlers[cmd.GetType()]
	ce.mu.RUnlock()
	if !ok {
		return ExecutionResult{}, &ValidationError{
			EventStoreError: EventStoreError{
				Op:  "execute",
				Err: fmt.Errorf("no handler registered for command type %q", cmd.GetType()),
			},
			Field: "commandType",
			Value: cmd.GetType(),
		}
	}

	var execResult ExecutionResult
	err := ce.store.InTransaction(ctx, func(ctx context.Context, store EventStore) error {
		handlerResult, err := reg.handler.Handle(ctx, store, cmd)
		if err != nil {
			return err
		}

		persistCommand := func() error {
			if !store.GetConfig().PersistCommands {
				return nil
			}
			return store.StoreCommand(ctx, cmd.GetType(), cmd.GetData(), cmd.GetMetadata())
		}

		// A handler that decides the command was already applied returns no
		// events and says why. The command record is still persisted, so the
		// audit log covers every accepted command.
		if len(handlerResult.Events) == 0 {
			if handlerResult.Reason == "" {
				return &ValidationError{
					EventStoreError: EventStoreError{
						Op:  "execute",
						Err: fmt.Errorf("handler for %q returned no events and no reason", cmd.GetType()),
					},
					Field: "events",
					Value: "empty",
				}
			}
			execResult = ExecutionResult{
				Outcome: OutcomeIdempotent,
				Reason:  handlerResult.Reason,
			}
			return persistCommand()
		}

		cursor, err := store.AppendIf(ctx, handlerResult.Events, handlerResult.Condition)
		if err != nil {
			if IsDuplicateError(err) && !reg.failOnDuplicate {
				execResult = ExecutionResult{
					Outcome: OutcomeIdempotent,
					Reason:  ReasonDuplicateOperation,
				}
				return persistCommand()
			}
			return err
		}

		if err := persistCommand(); err != nil {
			return err
		}

		execResult = ExecutionResult{
			Outcome:    OutcomeCreated,
			EventCount: len(handlerResult.Events),
			Cursor:     cursor,
		}
		return nil
	})
	if err != nil {
		return ExecutionResult{}, err
	}
	return execResult, nil
}

func (ce *CommandExecutor) notify(ctx context.Context, cmd Command, result ExecutionResult, err error, duration time.Duration) {
	if ce.observer != nil {
		ce.observer.OnCommandExecuted(ctx, cmd, result, err, duration)
		return
	}
	if err != nil {
		cmdType := "unknown"
		if cmd != nil {
			cmdType = cmd.GetType()
		}
		log.Printf("command %s failed after %v: %v", cmdType, duration, err)
	}
}
