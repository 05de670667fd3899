// Package registry tracks named remote services, probes their health and
// proxies calls to them. The registry is the only component that talks to
// remote endpoints directly; everything else asks it to Forward.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/ports"
)

const (
	// failureThreshold consecutive probe failures mark an endpoint
	// unhealthy. A single success restores it.
	failureThreshold = 3

	healthPath = "/health"

	defaultProbeInterval  = 10 * time.Second
	defaultProbeTimeout   = 3 * time.Second
	defaultForwardTimeout = 30 * time.Second

	maxResponseBytes = 4 << 20
)

// Registry implements ports.ServiceRegistry with periodic health probes.
type Registry struct {
	client  *http.Client
	cron    *cron.Cron
	events  ports.Broadcaster
	metrics *observability.Metrics
	tracer  *observability.TracerProvider
	logger  logging.Logger

	probeInterval  time.Duration
	probeTimeout   time.Duration
	forwardTimeout time.Duration

	mu        sync.RWMutex
	endpoints map[string]*ports.ServiceEndpoint
}

var _ ports.ServiceRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithProbeInterval sets how often endpoints are probed.
func WithProbeInterval(interval time.Duration) Option {
	return func(r *Registry) { r.probeInterval = interval }
}

// WithProbeTimeout bounds a single health probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(r *Registry) { r.probeTimeout = timeout }
}

// WithForwardTimeout bounds a single forwarded request.
func WithForwardTimeout(timeout time.Duration) Option {
	return func(r *Registry) { r.forwardTimeout = timeout }
}

// WithMetrics attaches registry metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer attaches a tracer wrapping forwarded calls.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(r *Registry) { r.tracer = tp }
}

// New creates a registry. Health flips are published through events as
// system-wide frames.
func New(events ports.Broadcaster, logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		events:         events,
		logger:         logging.OrNop(logger),
		probeInterval:  defaultProbeInterval,
		probeTimeout:   defaultProbeTimeout,
		forwardTimeout: defaultForwardTimeout,
		endpoints:      make(map[string]*ports.ServiceEndpoint),
	}
	if r.events == nil {
		r.events = ports.NopBroadcaster{}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.client = &http.Client{Timeout: r.forwardTimeout}
	return r
}

// Register upserts an endpoint. New endpoints start unhealthy and are
// probed immediately, so a reachable service becomes forwardable without
// waiting a full probe interval.
func (r *Registry) Register(name, address string) error {
	if name == "" {
		return errors.New("service name must not be empty")
	}
	normalized, err := normalizeAddress(address)
	if err != nil {
		return fmt.Errorf("service %q: %w", name, err)
	}

	r.mu.Lock()
	r.endpoints[name] = &ports.ServiceEndpoint{
		Name:    name,
		Address: normalized,
	}
	r.mu.Unlock()

	r.metrics.SetServiceHealth(name, false)
	r.logger.Info("registered service %q at %s", name, normalized)
	go r.probe(name)
	return nil
}

// Start launches the periodic probe loop.
func (r *Registry) Start() error {
	if r.cron != nil {
		return errors.New("registry already started")
	}
	r.cron = cron.New()
	spec := fmt.Sprintf("@every %s", r.probeInterval)
	if _, err := r.cron.AddFunc(spec, r.probeAll); err != nil {
		return fmt.Errorf("schedule health probes: %w", err)
	}
	r.cron.Start()
	r.logger.Info("health probing every %s", r.probeInterval)
	return nil
}

// Stop halts probing and waits for any running probe job to finish.
func (r *Registry) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Snapshot returns a copy of every registered endpoint.
func (r *Registry) Snapshot() []ports.ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]ports.ServiceEndpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		endpoints = append(endpoints, *endpoint)
	}
	return endpoints
}

// Forward relays a request to a registered endpoint. It fails fast while
// the endpoint is unhealthy rather than burning the caller's deadline on
// a connection that will not come up.
func (r *Registry) Forward(ctx context.Context, name string, req ports.ForwardRequest) (*ports.ForwardResponse, error) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[name]
	var address string
	var healthy bool
	if ok {
		address = endpoint.Address
		healthy = endpoint.Healthy
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &ports.TaskError{
			Kind:    ports.FailureServiceUnavailable,
			Message: fmt.Sprintf("service %q is not registered", name),
		}
	}
	if !healthy {
		return nil, &ports.TaskError{
			Kind:    ports.FailureServiceUnavailable,
			Message: fmt.Sprintf("service %q is unhealthy", name),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.forwardTimeout)
	defer cancel()

	ctx, span := r.tracer.StartSpan(ctx, observability.SpanRegistryForward,
		attribute.String(observability.AttrServiceName, name),
	)
	defer span.End()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, address+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", name, err)
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		taskErr := classifyTransportError(ctx, name, err)
		span.SetStatus(codes.Error, taskErr.Message)
		return nil, taskErr
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ports.TaskError{
			Kind:    ports.FailureServiceError,
			Message: fmt.Sprintf("read reply from %q: %v", name, err),
		}
	}
	return &ports.ForwardResponse{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (r *Registry) probeAll() {
	r.mu.RLock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.probe(name)
		}(name)
	}
	wg.Wait()
}

// probe checks one endpoint and applies the hysteresis rule: three
// consecutive failures to go down, one success to come back.
func (r *Registry) probe(name string) {
	r.mu.RLock()
	endpoint, ok := r.endpoints[name]
	var address string
	if ok {
		address = endpoint.Address
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	alive := r.checkHealth(address)

	r.mu.Lock()
	endpoint, ok = r.endpoints[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	endpoint.LastHealthCheck = time.Now()
	wasHealthy := endpoint.Healthy
	if alive {
		endpoint.ConsecutiveFailures = 0
		endpoint.Healthy = true
	} else {
		endpoint.ConsecutiveFailures++
		if endpoint.ConsecutiveFailures >= failureThreshold {
			endpoint.Healthy = false
		}
	}
	nowHealthy := endpoint.Healthy
	r.mu.Unlock()

	r.metrics.SetServiceHealth(name, nowHealthy)
	if nowHealthy != wasHealthy {
		r.logger.Warn("service %q health changed: healthy=%t", name, nowHealthy)
		r.events.Broadcast(ports.Event{
			Type:      ports.EventServiceHealth,
			Timestamp: time.Now(),
			Payload:   ports.ServiceHealthPayload{Name: name, Healthy: nowHealthy},
		})
	}
}

func (r *Registry) checkHealth(address string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address+healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func classifyTransportError(ctx context.Context, name string, err error) *ports.TaskError {
	var urlErr *url.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		timedOut = true
	}
	if timedOut {
		return &ports.TaskError{
			Kind:    ports.FailureServiceTimeout,
			Message: fmt.Sprintf("service %q timed out", name),
		}
	}
	return &ports.TaskError{
		Kind:    ports.FailureServiceUnavailable,
		Message: fmt.Sprintf("service %q unreachable: %v", name, err),
	}
}

// normalizeAddress validates an endpoint address and defaults the scheme
// to http when only host:port is given.
func normalizeAddress(address string) (string, error) {
	if address == "" {
		return "", errors.New("address must not be empty")
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	parsed, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid address: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", errors.New("address must include a host")
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}
