package dcb

import (
	"context"
	"time"
)

// Command represents an intent to change state.
type Command interface {
	GetType() string
	GetData() []byte
	GetMetadata() map[string]any
}

// command is the standard Command implementation.
type command struct {
	commandType string
	data        []byte
	metadata    map[string]any
}

func (c *command) GetType() string             { return c.commandType }
func (c *command) GetData() []byte             { return c.data }
func (c *command) GetMetadata() map[string]any { return c.metadata }

// NewCommand creates a command with the given type, JSON payload and metadata.
func NewCommand(commandType string, data []byte, metadata map[string]any) Command {
	return &command{commandType: commandType, data: data, metadata: metadata}
}

// IdempotencyReason explains why a handler produced no events.
type IdempotencyReason string

const (
	// ReasonAlreadyProcessed means the command's effect is already present
	// in the stream; the executor reports an idempotent outcome.
	ReasonAlreadyProcessed IdempotencyReason = "ALREADY_PROCESSED"

	// ReasonDuplicateOperation means an equivalent operation was detected
	// at append time via the idempotency condition.
	ReasonDuplicateOperation IdempotencyReason = "DUPLICATE_OPERATION"
)

// CommandResult is what a handler returns: the events to append, the
// condition guarding them, and an optional reason when no events are produced.
type CommandResult struct {
	Events    []InputEvent
	Condition AppendCondition
	Reason    IdempotencyReason
}

// ExecutionOutcome classifies what Execute did.
type ExecutionOutcome string

const (
	OutcomeCreated    ExecutionOutcome = "CREATED"
	OutcomeIdempotent ExecutionOutcome = "IDEMPOTENT"
)

// ExecutionResult reports the outcome of a command execution.
type ExecutionResult struct {
	Outcome    ExecutionOutcome
	EventCount int
	Cursor     Cursor
	Reason     IdempotencyReason
}

// CommandHandler decides which events a command produces, based on state
// projected from the store. Handlers must be side-effect free: all writes go
// through the returned CommandResult.
type CommandHandler interface {
	Handle(ctx context.Context, store EventStore, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc allows using a function as a CommandHandler.
type CommandHandlerFunc func(ctx context.Context, store EventStore, cmd Command) (CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, store EventStore, cmd Command) (CommandResult, error) {
	return f(ctx, store, cmd)
}

// CommandObserver is notified after each command execution, successful or not.
// Used for logging and metrics without coupling the executor to a sink.
type CommandObserver interface {
	OnCommandExecuted(ctx context.Context, cmd Command, result ExecutionResult, err error, duration time.Duration)
}
