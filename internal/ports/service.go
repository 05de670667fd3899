package ports

import (
	"context"
	"time"
)

// ServiceEndpoint describes a named remote collaborator and its observed
// health. Health fields are mutated only by the registry's probe loop.
type ServiceEndpoint struct {
	Name                string    `json:"name"`
	Address             string    `json:"address"`
	Healthy             bool      `json:"healthy"`
	LastHealthCheck     time.Time `json:"last_health_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// ForwardRequest is a proxied call to a registered service.
type ForwardRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   []byte `json:"body,omitempty"`
}

// ForwardResponse carries the remote's reply back to the caller.
type ForwardResponse struct {
	StatusCode int    `json:"status_code"`
	Body       []byte `json:"body,omitempty"`
}

// ServiceRegistry proxies calls to named remote endpoints and tracks their
// health so callers never need to know which collaborators are reachable.
type ServiceRegistry interface {
	// Register upserts an endpoint and starts probing it.
	Register(name, address string) error

	// Forward relays a request to a registered endpoint with a bounded
	// timeout. It fails fast with FailureServiceUnavailable while the
	// endpoint is marked unhealthy.
	Forward(ctx context.Context, name string, req ForwardRequest) (*ForwardResponse, error)

	// Snapshot returns a copy of every registered endpoint.
	Snapshot() []ServiceEndpoint
}
