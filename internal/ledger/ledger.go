// Package ledger owns the task state machine. It is the single source of
// truth: submission handlers and executor workers race against the same
// table, and every transition is a compare-and-set on status performed
// under the table lock. Events are published after the mutation is
// recorded, so clients are only ever notified of persisted state.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/ports"
)

// ArchiveSink receives terminal task records for durable storage. Archival
// is an external collaborator: saves are asynchronous and best-effort, and
// the ledger stays authoritative regardless of sink failures.
type ArchiveSink interface {
	Save(ctx context.Context, task *ports.Task) error
}

const archiveTimeout = 5 * time.Second

// InMemoryLedger implements ports.TaskLedger with an id-indexed table.
// Tasks are never deleted; archival and cleanup belong to the sink.
type InMemoryLedger struct {
	mu    sync.RWMutex
	tasks map[string]*ports.Task

	costs   ports.CostModel
	events  ports.Broadcaster
	archive ArchiveSink
	metrics *observability.Metrics
	logger  logging.Logger
	clock   func() time.Time
}

var _ ports.TaskLedger = (*InMemoryLedger)(nil)

// Option configures an InMemoryLedger.
type Option func(*InMemoryLedger)

// WithArchive attaches a durable sink for terminal task records.
func WithArchive(sink ArchiveSink) Option {
	return func(l *InMemoryLedger) { l.archive = sink }
}

// WithMetrics attaches transition metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *InMemoryLedger) { l.metrics = m }
}

// NewInMemoryLedger creates a ledger pricing submissions with costs and
// publishing every transition through events.
func NewInMemoryLedger(costs ports.CostModel, events ports.Broadcaster, logger logging.Logger, opts ...Option) *InMemoryLedger {
	l := &InMemoryLedger{
		tasks:  make(map[string]*ports.Task),
		costs:  costs,
		events: events,
		logger: logging.OrNop(logger),
		clock:  time.Now,
	}
	if l.events == nil {
		l.events = ports.NopBroadcaster{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create allocates a new queued task. It never blocks on execution.
func (l *InMemoryLedger) Create(ctx context.Context, kind string, input json.RawMessage, ownerSession string) (*ports.Task, error) {
	task := &ports.Task{
		ID:            fmt.Sprintf("task-%s", uuid.New().String()),
		Kind:          kind,
		Input:         input,
		Status:        ports.TaskStatusQueued,
		EstimatedCost: l.costs.Estimate(kind, input),
		OwnerSession:  ownerSession,
		CreatedAt:     l.clock(),
	}

	l.mu.Lock()
	l.tasks[task.ID] = task
	snapshot := *task
	l.publishLocked(task)
	l.mu.Unlock()

	l.metrics.ObserveTaskTransition(kind, string(ports.TaskStatusQueued))
	l.logger.Debug("created %s kind=%s session=%s estimate=%.2f", task.ID, kind, ownerSession, task.EstimatedCost)
	return &snapshot, nil
}

// Get returns a copy of the task record.
func (l *InMemoryLedger) Get(ctx context.Context, taskID string) (*ports.Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	task, ok := l.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ports.ErrNotFound)
	}
	snapshot := *task
	return &snapshot, nil
}

// ListBySession returns the session's tasks, oldest first. This is the
// pull path clients use to reconcile after dropped realtime events.
func (l *InMemoryLedger) ListBySession(ctx context.Context, sessionID string) ([]*ports.Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tasks := make([]*ports.Task, 0)
	for _, task := range l.tasks {
		if task.OwnerSession == sessionID {
			snapshot := *task
			tasks = append(tasks, &snapshot)
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// TransitionToProcessing claims a queued task. Exactly one concurrent
// caller succeeds per task id; the rest get ErrInvalidTransition.
func (l *InMemoryLedger) TransitionToProcessing(ctx context.Context, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	task, ok := l.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ports.ErrNotFound)
	}
	if task.Status != ports.TaskStatusQueued {
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, ports.ErrInvalidTransition)
	}

	task.Status = ports.TaskStatusProcessing
	l.publishLocked(task)
	l.metrics.ObserveTaskTransition(task.Kind, string(ports.TaskStatusProcessing))
	return nil
}

// Complete records a successful terminal transition.
func (l *InMemoryLedger) Complete(ctx context.Context, taskID string, result json.RawMessage, actualCost float64) error {
	return l.finish(taskID, func(task *ports.Task) {
		task.Status = ports.TaskStatusCompleted
		task.Result = result
		task.ActualCost = actualCost
	}, ports.TaskStatusProcessing)
}

// Fail records a failed terminal transition, preserving the failure kind.
func (l *InMemoryLedger) Fail(ctx context.Context, taskID string, taskErr *ports.TaskError) error {
	if taskErr == nil {
		taskErr = &ports.TaskError{Kind: ports.FailureHandlerError, Message: "unspecified failure"}
	}
	return l.finish(taskID, func(task *ports.Task) {
		task.Status = ports.TaskStatusFailed
		task.Error = taskErr
	}, ports.TaskStatusProcessing)
}

// Cancel terminates a queued task before any worker claims it. Processing
// tasks run to completion; cancelling them is not supported.
func (l *InMemoryLedger) Cancel(ctx context.Context, taskID string) error {
	return l.finish(taskID, func(task *ports.Task) {
		task.Status = ports.TaskStatusFailed
		task.Error = &ports.TaskError{Kind: ports.FailureCancelled, Message: "cancelled by client"}
	}, ports.TaskStatusQueued)
}

// finish applies a terminal mutation when the task is in the required
// state. Once terminal a record is immutable: the state check here is the
// only gate, and no code path writes to a terminal task.
func (l *InMemoryLedger) finish(taskID string, mutate func(*ports.Task), required ports.TaskStatus) error {
	l.mu.Lock()

	task, ok := l.tasks[taskID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("task %s: %w", taskID, ports.ErrNotFound)
	}
	if task.Status != required {
		status := task.Status
		l.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, status, ports.ErrInvalidTransition)
	}

	mutate(task)
	now := l.clock()
	task.CompletedAt = &now
	snapshot := *task
	l.publishLocked(task)
	l.mu.Unlock()

	l.metrics.ObserveTaskTransition(snapshot.Kind, string(snapshot.Status))
	l.archiveAsync(&snapshot)
	return nil
}

// publishLocked emits a task_update scoped to the owner session. Broadcast
// only enqueues, so holding the table lock keeps event order consistent
// with transition order without stalling the ledger.
func (l *InMemoryLedger) publishLocked(task *ports.Task) {
	payload := ports.TaskUpdatePayload{
		TaskID:        task.ID,
		Kind:          task.Kind,
		Status:        task.Status,
		Error:         task.Error,
		EstimatedCost: task.EstimatedCost,
		ActualCost:    task.ActualCost,
	}
	if len(task.Result) > 0 {
		payload.Result = json.RawMessage(task.Result)
	}
	l.events.Broadcast(ports.Event{
		Type:      ports.EventTaskUpdate,
		SessionID: task.OwnerSession,
		Timestamp: l.clock(),
		Payload:   payload,
	})
}

// archiveAsync hands a terminal record to the durable sink without
// blocking the transition path.
func (l *InMemoryLedger) archiveAsync(task *ports.Task) {
	if l.archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := l.archive.Save(ctx, task); err != nil {
			l.logger.Warn("archive save failed for %s: %v", task.ID, err)
		}
	}()
}
