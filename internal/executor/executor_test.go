package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"conductor/internal/cost"
	"conductor/internal/ledger"
	"conductor/internal/logging"
	"conductor/internal/ports"
	"conductor/internal/registry"
)

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *ledger.InMemoryLedger) {
	t.Helper()
	model := cost.NewModel(nil)
	led := ledger.NewInMemoryLedger(model, nil, logging.Nop())
	exec := New(led, model, logging.Nop(), opts...)
	return exec, led
}

func waitTerminal(t *testing.T, led *ledger.InMemoryLedger, taskID string) *ports.Task {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		task, err := led.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal state, stuck at %s", taskID, task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEchoRoundTrip(t *testing.T) {
	exec, led := newTestExecutor(t)
	if err := exec.RegisterHandler(KindEcho, EchoHandler()); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer exec.Stop()

	task, err := exec.Submit(context.Background(), KindEcho, json.RawMessage(`{"message":"hello"}`), "sess-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if task.Status != ports.TaskStatusQueued {
		t.Errorf("submitted task should be queued, got %s", task.Status)
	}

	done := waitTerminal(t, led, task.ID)
	if done.Status != ports.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (error: %v)", done.Status, done.Error)
	}
	if string(done.Result) != `"hello"` {
		t.Errorf("unexpected result: %s", done.Result)
	}
	if done.ActualCost <= 0 {
		t.Errorf("completed task should carry an actual cost, got %f", done.ActualCost)
	}
}

func TestSubmitUnknownKind(t *testing.T) {
	exec, _ := newTestExecutor(t)
	if _, err := exec.Submit(context.Background(), "no-such-kind", nil, "sess-1"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestHandlerFailureKindPreserved(t *testing.T) {
	exec, led := newTestExecutor(t)
	failing := ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		return nil, &ports.TaskError{Kind: ports.FailureServiceUnavailable, Message: "vision is down"}
	})
	if err := exec.RegisterHandler("vision", failing); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	if err := exec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer exec.Stop()

	task, err := exec.Submit(context.Background(), "vision", nil, "sess-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitTerminal(t, led, task.ID)
	if done.Status != ports.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error == nil || done.Error.Kind != ports.FailureServiceUnavailable {
		t.Errorf("failure kind lost: %+v", done.Error)
	}
}

func TestPlainErrorBecomesHandlerError(t *testing.T) {
	exec, led := newTestExecutor(t)
	failing := ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	exec.RegisterHandler("boom", failing)
	exec.Start(context.Background())
	defer exec.Stop()

	task, _ := exec.Submit(context.Background(), "boom", nil, "sess-1")
	done := waitTerminal(t, led, task.ID)
	if done.Error == nil || done.Error.Kind != ports.FailureHandlerError {
		t.Errorf("expected HandlerError, got %+v", done.Error)
	}
}

func TestHandlerTimeoutBecomesServiceTimeout(t *testing.T) {
	exec, led := newTestExecutor(t, WithTaskTimeout(50*time.Millisecond))
	slow := ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec.RegisterHandler("slow", slow)
	exec.Start(context.Background())
	defer exec.Stop()

	task, _ := exec.Submit(context.Background(), "slow", nil, "sess-1")
	done := waitTerminal(t, led, task.ID)
	if done.Status != ports.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error == nil || done.Error.Kind != ports.FailureServiceTimeout {
		t.Errorf("expected ServiceTimeout, got %+v", done.Error)
	}
}

func TestCancelledBeforePickupNeverRuns(t *testing.T) {
	exec, led := newTestExecutor(t)
	ran := make(chan struct{}, 8)
	handler := ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		ran <- struct{}{}
		return nil, nil
	})
	exec.RegisterHandler("late", handler)

	// Submit before Start so the task waits in the queue.
	task, err := exec.Submit(context.Background(), "late", nil, "sess-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := led.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	exec.Start(context.Background())
	defer exec.Stop()

	select {
	case <-ran:
		t.Fatal("cancelled task must not execute")
	case <-time.After(200 * time.Millisecond):
	}

	done, _ := led.Get(context.Background(), task.ID)
	if done.Error == nil || done.Error.Kind != ports.FailureCancelled {
		t.Errorf("expected Cancelled, got %+v", done.Error)
	}
}

// Submitting a proxy task against a dependency that is down must settle
// as a terminal failure carrying ServiceUnavailable, never hang.
func TestProxyToUnhealthyServiceFails(t *testing.T) {
	exec, led := newTestExecutor(t)
	reg := registry.New(nil, logging.Nop())
	// Registered but never probed healthy: Forward fails fast.
	if err := reg.Register("vision", "127.0.0.1:1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	exec.RegisterHandler(KindProxy, ProxyHandler(reg))
	exec.Start(context.Background())
	defer exec.Stop()

	task, err := exec.Submit(context.Background(), KindProxy,
		json.RawMessage(`{"service":"vision","path":"/analyze"}`), "sess-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := waitTerminal(t, led, task.ID)
	if done.Status != ports.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error == nil || done.Error.Kind != ports.FailureServiceUnavailable {
		t.Errorf("expected ServiceUnavailable, got %+v", done.Error)
	}
}

func TestFIFOWithinKind(t *testing.T) {
	exec, led := newTestExecutor(t)
	order := make(chan string, 16)
	handler := ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		order <- task.ID
		return nil, nil
	})
	exec.RegisterHandler("serial", handler)

	var ids []string
	for i := 0; i < 5; i++ {
		task, err := exec.Submit(context.Background(), "serial", nil, "sess-1")
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		ids = append(ids, task.ID)
	}

	exec.Start(context.Background())
	defer exec.Stop()

	for _, want := range ids {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("out of order: expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for execution order")
		}
	}
	waitTerminal(t, led, ids[len(ids)-1])
}
