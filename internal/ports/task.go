package ports

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a task in its lifecycle.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is one unit of orchestrated work. Once a task reaches a terminal
// status its record never changes again.
type Task struct {
	ID            string          `json:"task_id"`
	Kind          string          `json:"kind"`
	Input         json.RawMessage `json:"input,omitempty"`
	Status        TaskStatus      `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *TaskError      `json:"error,omitempty"`
	EstimatedCost float64         `json:"estimated_cost"`
	ActualCost    float64         `json:"actual_cost,omitempty"`
	OwnerSession  string          `json:"owner_session"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// TaskLedger is the single source of truth for task state. All transitions
// are atomic compare-and-set operations on status: TransitionToProcessing
// succeeds for exactly one caller per task, which is what enforces
// at-most-one execution.
type TaskLedger interface {
	// Create allocates a new queued task and computes its estimated cost.
	// It never blocks on execution.
	Create(ctx context.Context, kind string, input json.RawMessage, ownerSession string) (*Task, error)

	// Get returns a copy of the task, or ErrNotFound.
	Get(ctx context.Context, taskID string) (*Task, error)

	// ListBySession returns copies of all tasks owned by a session,
	// oldest first.
	ListBySession(ctx context.Context, sessionID string) ([]*Task, error)

	// TransitionToProcessing moves queued -> processing. Returns
	// ErrInvalidTransition if the task is not queued.
	TransitionToProcessing(ctx context.Context, taskID string) error

	// Complete moves processing -> completed, recording result and
	// actual cost. Returns ErrInvalidTransition unless processing.
	Complete(ctx context.Context, taskID string, result json.RawMessage, actualCost float64) error

	// Fail moves processing -> failed with a structured error.
	// Returns ErrInvalidTransition unless processing.
	Fail(ctx context.Context, taskID string, taskErr *TaskError) error

	// Cancel moves queued -> failed with kind Cancelled. Tasks already
	// processing cannot be cancelled; in-flight handlers run to
	// completion. Returns ErrInvalidTransition unless queued.
	Cancel(ctx context.Context, taskID string) error
}

// Handler performs the actual work for one task kind. The returned payload
// becomes the task result. Handlers are responsible for their own retry
// policy; the executor never retries.
type Handler interface {
	Handle(ctx context.Context, task *Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, task *Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// CostModel prices tasks. Estimate runs at submission, Actual on
// completion with the measured execution time. Implementations must be
// safe for concurrent use.
type CostModel interface {
	Estimate(kind string, input json.RawMessage) float64
	Actual(kind string, input json.RawMessage, elapsed time.Duration) float64
}
