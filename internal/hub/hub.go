// Package hub fans realtime events out over WebSocket connections. Every
// connection owns a bounded outbound buffer; a publisher never blocks and
// a slow consumer only ever loses its own frames.
package hub

import (
	"context"
	"sync"
	"time"

	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/ports"
)

const (
	// sendBufferSize frames per connection. When the buffer is full the
	// oldest frame is dropped to make room, so consumers always converge
	// on the latest state.
	sendBufferSize = 64

	// broadcastBufferSize decouples publishers from the fan-out loop.
	broadcastBufferSize = 256
)

// Hub routes events to authenticated connections. Task updates go only to
// connections whose session owns the task; health events go to everyone.
type Hub struct {
	logger   logging.Logger
	metrics  *observability.Metrics
	sessions ports.SessionStore

	authGrace time.Duration

	mu          sync.RWMutex
	connections map[string]*connection

	broadcast chan ports.Event
	done      chan struct{}
	stopOnce  sync.Once
}

var _ ports.Broadcaster = (*Hub)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithAuthGrace sets how long an unauthenticated connection may linger.
func WithAuthGrace(grace time.Duration) Option {
	return func(h *Hub) { h.authGrace = grace }
}

// WithMetrics attaches hub metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates a hub validating connection tokens against sessions.
func New(sessions ports.SessionStore, logger logging.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:      logging.OrNop(logger),
		sessions:    sessions,
		authGrace:   defaultAuthGrace,
		connections: make(map[string]*connection),
		broadcast:   make(chan ports.Event, broadcastBufferSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// Broadcast enqueues an event for fan-out and returns immediately. If the
// hub's own queue is saturated the event is dropped and counted; clients
// reconcile through the task list endpoint.
func (h *Hub) Broadcast(event ports.Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
		h.metrics.IncEventsDropped()
		h.logger.Warn("hub broadcast queue full, dropped %s event", event.Type)
	}
}

// Close disconnects every client and stops the fan-out loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// ConnectionCount reports the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			return
		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// fanOut delivers one event to every eligible connection. Enqueueing to a
// connection never blocks; saturated buffers drop their oldest frame.
func (h *Hub) fanOut(event ports.Event) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if !conn.wants(event) {
			continue
		}
		if conn.enqueue(event) {
			h.metrics.IncEventsSent()
		} else {
			h.metrics.IncEventsDropped()
		}
	}
}

func (h *Hub) add(conn *connection) {
	h.mu.Lock()
	h.connections[conn.id] = conn
	total := len(h.connections)
	h.mu.Unlock()

	h.metrics.AddConnections(1)
	h.logger.Info("connection %s opened (%d active)", conn.id, total)
}

func (h *Hub) remove(conn *connection) {
	h.mu.Lock()
	_, present := h.connections[conn.id]
	delete(h.connections, conn.id)
	total := len(h.connections)
	h.mu.Unlock()

	if present {
		h.metrics.AddConnections(-1)
		h.logger.Info("connection %s closed (%d active)", conn.id, total)
	}
}

// validate resolves a token to a session id.
func (h *Hub) validate(ctx context.Context, token string) (string, error) {
	sess, err := h.sessions.Validate(ctx, token)
	if err != nil {
		return "", err
	}
	return sess.Token, nil
}
