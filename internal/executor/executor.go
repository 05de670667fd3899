// Package executor pulls queued tasks and runs their handlers. One worker
// goroutine per task kind gives FIFO execution within a kind without
// head-of-line blocking across kinds.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/ports"
)

const (
	// queueDepth bounds how many submitted tasks may wait per kind before
	// submission starts failing instead of growing memory.
	queueDepth = 1024

	defaultTaskTimeout = 2 * time.Minute
)

// Executor dispatches tasks to registered handlers. Submit is the only
// entry point; it records the task in the ledger first, so a task is
// visible to clients before any worker touches it.
type Executor struct {
	ledger  ports.TaskLedger
	costs   ports.CostModel
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.TracerProvider

	taskTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]ports.Handler
	queues   map[string]chan string
	running  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithTaskTimeout bounds the wall time of a single handler invocation.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(e *Executor) { e.taskTimeout = timeout }
}

// WithMetrics attaches execution metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer attaches a tracer wrapping every handler invocation.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(e *Executor) { e.tracer = tp }
}

// New creates an executor backed by the given ledger and cost model.
func New(ledger ports.TaskLedger, costs ports.CostModel, logger logging.Logger, opts ...Option) *Executor {
	e := &Executor{
		ledger:      ledger,
		costs:       costs,
		logger:      logging.OrNop(logger),
		taskTimeout: defaultTaskTimeout,
		handlers:    make(map[string]ports.Handler),
		queues:      make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler binds a handler to a task kind. Must be called before
// Start; kinds registered later are rejected.
func (e *Executor) RegisterHandler(kind string, handler ports.Handler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("cannot register handler for %q: executor already started", kind)
	}
	if _, exists := e.handlers[kind]; exists {
		return fmt.Errorf("handler for kind %q already registered", kind)
	}
	e.handlers[kind] = handler
	e.queues[kind] = make(chan string, queueDepth)
	return nil
}

// Kinds returns the registered task kinds.
func (e *Executor) Kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	kinds := make([]string, 0, len(e.handlers))
	for kind := range e.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Start launches one worker per registered kind. Workers drain their
// queues until ctx is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.New("executor already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	for kind, queue := range e.queues {
		e.wg.Add(1)
		go e.worker(kind, queue)
	}
	e.logger.Info("started %d task workers", len(e.queues))
	return nil
}

// Stop cancels all workers and waits for in-flight handlers to return.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.logger.Info("all task workers stopped")
}

// Submit records a new task and enqueues it for execution. The returned
// task is the queued record; execution happens asynchronously.
func (e *Executor) Submit(ctx context.Context, kind string, input json.RawMessage, ownerSession string) (*ports.Task, error) {
	e.mu.Lock()
	queue, known := e.queues[kind]
	e.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}

	task, err := e.ledger.Create(ctx, kind, input, ownerSession)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	select {
	case queue <- task.ID:
	default:
		// The kind's backlog is saturated. The task already exists, so it
		// must reach a terminal state rather than dangle queued forever.
		e.failUnstarted(task.ID, fmt.Sprintf("queue for kind %q is full", kind))
		return nil, fmt.Errorf("queue for kind %q is full", kind)
	}
	return task, nil
}

func (e *Executor) failUnstarted(taskID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.ledger.TransitionToProcessing(ctx, taskID); err != nil {
		return
	}
	taskErr := &ports.TaskError{Kind: ports.FailureHandlerError, Message: message}
	if err := e.ledger.Fail(ctx, taskID, taskErr); err != nil {
		e.logger.Error("failed to record saturation failure for %s: %v", taskID, err)
	}
}

func (e *Executor) worker(kind string, queue chan string) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case taskID := <-queue:
			e.execute(taskID)
		}
	}
}

// execute claims and runs one task. A lost claim means the task was
// cancelled between submission and pickup; the worker just moves on.
func (e *Executor) execute(taskID string) {
	if err := e.ledger.TransitionToProcessing(e.ctx, taskID); err != nil {
		if !errors.Is(err, ports.ErrInvalidTransition) {
			e.logger.Error("claim of %s failed: %v", taskID, err)
		}
		return
	}

	task, err := e.ledger.Get(e.ctx, taskID)
	if err != nil {
		e.logger.Error("claimed task %s vanished: %v", taskID, err)
		return
	}

	e.mu.Lock()
	handler := e.handlers[task.Kind]
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, e.taskTimeout)
	defer cancel()

	ctx, span := e.tracer.StartSpan(ctx, observability.SpanTaskExecute,
		attribute.String(observability.AttrTaskID, task.ID),
		attribute.String(observability.AttrTaskKind, task.Kind),
		attribute.String(observability.AttrSessionID, task.OwnerSession),
	)
	defer span.End()

	e.metrics.IncTasksInFlight()
	started := time.Now()
	result, handlerErr := handler.Handle(ctx, task)
	elapsed := time.Since(started)
	e.metrics.DecTasksInFlight()

	if handlerErr != nil {
		taskErr := classify(ctx, handlerErr)
		span.SetStatus(codes.Error, taskErr.Message)
		span.SetAttributes(attribute.String(observability.AttrStatus, string(ports.TaskStatusFailed)))
		e.metrics.ObserveTaskDuration(task.Kind, string(ports.TaskStatusFailed), elapsed)
		e.logger.Warn("task %s failed after %s: %s", task.ID, elapsed.Round(time.Millisecond), taskErr.Error())
		if err := e.ledger.Fail(e.ctx, task.ID, taskErr); err != nil {
			e.logger.Error("recording failure of %s: %v", task.ID, err)
		}
		return
	}

	actual := e.costs.Actual(task.Kind, task.Input, elapsed)
	span.SetAttributes(attribute.String(observability.AttrStatus, string(ports.TaskStatusCompleted)))
	e.metrics.ObserveTaskDuration(task.Kind, string(ports.TaskStatusCompleted), elapsed)
	e.logger.Info("task %s completed in %s, cost %.2f", task.ID, elapsed.Round(time.Millisecond), actual)
	if err := e.ledger.Complete(e.ctx, task.ID, result, actual); err != nil {
		e.logger.Error("recording completion of %s: %v", task.ID, err)
	}
}

// classify maps a handler error to a structured task error. Kinds carried
// by the handler survive unchanged; a deadline hit becomes ServiceTimeout
// so clients can tell slowness from breakage.
func classify(ctx context.Context, err error) *ports.TaskError {
	var te *ports.TaskError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ports.TaskError{Kind: ports.FailureServiceTimeout, Message: err.Error()}
	}
	return ports.NewTaskError(err)
}
