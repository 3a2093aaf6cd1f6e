package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventConnectionState EventType = "connection.state"
	EventHostStatus      EventType = "host.status"
	EventLoggedOut       EventType = "auth.logged_out"

	EventJobsReplaced      EventType = "jobs.replaced"
	EventJobStatusChanged  EventType = "jobs.status_changed"
	EventProcessesReplaced EventType = "processes.replaced"
	EventJobNotification   EventType = "jobs.notification"

	EventQuestionsChanged  EventType = "questions.changed"
	EventQuestionAnswered  EventType = "questions.answered"
	EventAutoAcceptChanged EventType = "questions.auto_accept_changed"

	EventAnswerQueued   EventType = "answers.queued"
	EventAnswersFlushed EventType = "answers.flushed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that fails
// to encode is dropped; observers only rely on the event type for those.
func NewEvent(t EventType, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now()}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// ConnectionStateChange is the payload of EventConnectionState.
type ConnectionStateChange struct {
	State   ConnState     `json:"state"`
	Backoff time.Duration `json:"backoff,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// StatusChange is the payload of EventJobStatusChanged.
type StatusChange struct {
	Name   string    `json:"name"`
	Status JobStatus `json:"status"`
}
