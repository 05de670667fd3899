package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"conductor/internal/ports"
)

// Builtin task kinds.
const (
	KindEcho  = "echo"
	KindProxy = "proxy"
)

// EchoHandler returns its input as the result, after an optional delay.
// It exists so clients can exercise the full submission/notification
// round trip without any remote dependency.
func EchoHandler() ports.Handler {
	return ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		var input struct {
			Message json.RawMessage `json:"message"`
			DelayMS int             `json:"delayMs"`
		}
		if len(task.Input) > 0 {
			if err := json.Unmarshal(task.Input, &input); err != nil {
				return nil, fmt.Errorf("decode echo input: %w", err)
			}
		}

		if input.DelayMS > 0 {
			select {
			case <-time.After(time.Duration(input.DelayMS) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if len(input.Message) == 0 {
			return task.Input, nil
		}
		return input.Message, nil
	})
}

type proxyInput struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ProxyHandler relays a task to a registered service through the registry.
// Registry errors already carry a failure kind; a non-2xx reply from the
// remote becomes ServiceError with the status in the message.
func ProxyHandler(registry ports.ServiceRegistry) ports.Handler {
	return ports.HandlerFunc(func(ctx context.Context, task *ports.Task) (json.RawMessage, error) {
		var input proxyInput
		if err := json.Unmarshal(task.Input, &input); err != nil {
			return nil, fmt.Errorf("decode proxy input: %w", err)
		}
		if input.Service == "" || input.Path == "" {
			return nil, fmt.Errorf("proxy input requires service and path")
		}
		if input.Method == "" {
			input.Method = "POST"
		}

		resp, err := registry.Forward(ctx, input.Service, ports.ForwardRequest{
			Method: input.Method,
			Path:   input.Path,
			Body:   input.Body,
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &ports.TaskError{
				Kind:    ports.FailureServiceError,
				Message: fmt.Sprintf("%s replied %d", input.Service, resp.StatusCode),
			}
		}
		return resp.Body, nil
	})
}
