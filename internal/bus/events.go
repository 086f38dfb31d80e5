// Package bus provides the in-process event bus that connects the task
// manager, swarm manager, and router. Subscribers receive lifecycle events
// asynchronously; the bus retains a bounded history so late subscribers
// (such as the websocket event stream) can replay recent activity.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event flowing through the bus.
type EventType string

// EventTypeAll subscribes to every event type.
const EventTypeAll EventType = ""

const (
	// Task lifecycle
	EventTaskSubmitted EventType = "task.submitted"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskRunning   EventType = "task.running"
	EventTaskBlocked   EventType = "task.blocked"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"

	// Agent lifecycle
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentIdle         EventType = "agent.idle"
	EventAgentBusy         EventType = "agent.busy"
	EventAgentError        EventType = "agent.error"
	EventAgentDeregistered EventType = "agent.deregistered"

	// Routing
	EventRouteCompleted EventType = "route.completed"
	EventRouteFailed    EventType = "route.failed"

	// Learning
	EventTrainingStarted  EventType = "training.started"
	EventTrainingFinished EventType = "training.finished"
)

// Event is a single lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// TaskID and AgentID identify the entities involved, when applicable.
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`

	// ModelID is set on routing events.
	ModelID string `json:"model_id,omitempty"`

	// Detail carries a human-readable note (failure reason, outcome).
	Detail string `json:"detail,omitempty"`
}

// NewEvent constructs an event with a fresh id and the current timestamp.
func NewEvent(t EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      t,
	}
}

// WithTask returns a copy of the event tagged with a task id.
func (e Event) WithTask(id string) Event {
	e.TaskID = id
	return e
}

// WithAgent returns a copy of the event tagged with an agent id.
func (e Event) WithAgent(id string) Event {
	e.AgentID = id
	return e
}

// WithModel returns a copy of the event tagged with a model id.
func (e Event) WithModel(id string) Event {
	e.ModelID = id
	return e
}

// WithDetail returns a copy of the event carrying a detail note.
func (e Event) WithDetail(detail string) Event {
	e.Detail = detail
	return e
}
