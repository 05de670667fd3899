package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"conductor/internal/ports"
)

const (
	defaultAuthGrace = 10 * time.Second

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameBytes = 64 << 10

	// closeUnauthorized is sent when a connection fails to authenticate
	// within the grace period or presents a bad token.
	closeUnauthorized = 4401
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth happens in-band after the upgrade, so cross-origin
	// upgrades are permitted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is any inbound message from a client.
type clientFrame struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Events []string `json:"events,omitempty"`
}

// serverFrame is any outbound message to a client.
type serverFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type closeRequest struct {
	code   int
	reason string
}

// connection is one WebSocket client. The send channel is its bounded
// outbound buffer; only writePump reads from it, only enqueue writes to it.
type connection struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send     chan serverFrame
	closeReq chan closeRequest

	mu            sync.RWMutex
	sessionID     string
	subscriptions map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// ServeWS upgrades an HTTP request and runs the connection until it drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	conn := &connection{
		id:       "conn-" + ksuid.New().String(),
		hub:      h,
		ws:       ws,
		send:     make(chan serverFrame, sendBufferSize),
		closeReq: make(chan closeRequest, 1),
		closed:   make(chan struct{}),
	}
	h.add(conn)

	go conn.writePump()
	go conn.authWatchdog()
	conn.readPump()
}

// wants reports whether this connection should receive the event. The
// connection must be authenticated, session-scoped events must match its
// session, and any subscription filter must include the event type.
func (c *connection) wants(event ports.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.sessionID == "" {
		return false
	}
	if event.SessionID != "" && event.SessionID != c.sessionID {
		return false
	}
	if c.subscriptions != nil && !c.subscriptions[string(event.Type)] {
		return false
	}
	return true
}

// enqueue buffers a frame for delivery, dropping the oldest buffered frame
// when full. Returns whether the event itself was accepted.
func (c *connection) enqueue(event ports.Event) bool {
	frame := serverFrame{
		Type:      string(event.Type),
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
	for {
		select {
		case <-c.closed:
			return false
		case c.send <- frame:
			return true
		default:
		}
		select {
		case <-c.send:
			c.hub.metrics.IncEventsDropped()
		default:
		}
	}
}

func (c *connection) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame clientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("connection %s read error: %v", c.id, err)
			}
			return
		}

		switch frame.Type {
		case "authenticate":
			c.handleAuthenticate(frame.Token)
		case "subscribe":
			c.handleSubscribe(frame.Events)
		default:
			c.sendError("unknown frame type %q", frame.Type)
		}
	}
}

func (c *connection) handleAuthenticate(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sessionID, err := c.hub.validate(ctx, token)
	if err != nil {
		c.hub.logger.Warn("connection %s presented an invalid token", c.id)
		c.closeWithCode(closeUnauthorized, "invalid token")
		return
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	select {
	case c.send <- serverFrame{Type: "authenticated", Timestamp: time.Now()}:
	case <-c.closed:
	}
}

func (c *connection) handleSubscribe(events []string) {
	c.mu.RLock()
	authenticated := c.sessionID != ""
	c.mu.RUnlock()
	if !authenticated {
		c.sendError("subscribe before authenticate")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(events) == 0 {
		c.subscriptions = nil
		return
	}
	c.subscriptions = make(map[string]bool, len(events))
	for _, event := range events {
		c.subscriptions[event] = true
	}
}

// authWatchdog closes the connection if it has not authenticated within
// the grace period.
func (c *connection) authWatchdog() {
	timer := time.NewTimer(c.hub.authGrace)
	defer timer.Stop()

	select {
	case <-c.closed:
	case <-timer.C:
		c.mu.RLock()
		authenticated := c.sessionID != ""
		c.mu.RUnlock()
		if !authenticated {
			c.hub.logger.Info("connection %s closed: auth timeout", c.id)
			c.closeWithCode(closeUnauthorized, "auth timeout")
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case req := <-c.closeReq:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.reason))
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) sendError(format string, args ...any) {
	frame := serverFrame{
		Type:      "error",
		Timestamp: time.Now(),
		Message:   fmt.Sprintf(format, args...),
	}
	select {
	case c.send <- frame:
	case <-c.closed:
	default:
	}
}

// closeWithCode asks writePump to send the close frame, so the socket
// only ever has one writer. writePump's deferred close tears the
// connection down after the frame is out.
func (c *connection) closeWithCode(code int, reason string) {
	select {
	case c.closeReq <- closeRequest{code: code, reason: reason}:
	case <-c.closed:
	default:
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.hub.remove(c)
	})
}
