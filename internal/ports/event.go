package ports

import "time"

// EventType identifies a realtime event kind.
type EventType string

const (
	// EventTaskUpdate is emitted on every task status transition. It is
	// scoped to the task's owner session.
	EventTaskUpdate EventType = "task_update"

	// EventServiceHealth is emitted when an endpoint's health flips.
	// It is system-wide: every authenticated connection receives it.
	EventServiceHealth EventType = "service_health"
)

// Event is one realtime frame fanned out by the hub. SessionID is empty
// for system-wide events.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// TaskUpdatePayload is the payload of EventTaskUpdate frames.
type TaskUpdatePayload struct {
	TaskID        string     `json:"taskId"`
	Kind          string     `json:"kind"`
	Status        TaskStatus `json:"status"`
	Result        any        `json:"result,omitempty"`
	Error         *TaskError `json:"error,omitempty"`
	EstimatedCost float64    `json:"estimatedCost"`
	ActualCost    float64    `json:"actualCost,omitempty"`
}

// ServiceHealthPayload is the payload of EventServiceHealth frames.
type ServiceHealthPayload struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// Broadcaster fans events out to subscribed clients. Broadcast only
// enqueues and returns immediately; it never performs I/O inline, so
// publishers (the executor, the registry probe loop) are never stalled by
// a slow connection.
type Broadcaster interface {
	Broadcast(event Event)
}

// NopBroadcaster discards all events.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(Event) {}
