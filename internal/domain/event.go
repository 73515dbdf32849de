package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventCoordinationStarted   EventType = "coordination_started"
	EventCoordinationCompleted EventType = "coordination_completed"
	EventCrisisDetected        EventType = "crisis_detected"
	EventAlertTriggered        EventType = "alert_triggered"
	EventHealthUpdated         EventType = "health_updated"
	EventOptimizationCompleted EventType = "optimization_completed"

	EventBreakerStateChanged EventType = "breaker_state_changed"
	EventAgentRouted         EventType = "agent_routed"
	EventAgentRegistered     EventType = "agent_registered"
	EventAgentRemoved        EventType = "agent_removed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an Event with a JSON-encoded payload. A payload that
// cannot be encoded is dropped rather than failing the publisher.
func NewEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
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

// CrisisEvent is the payload of EventCrisisDetected.
type CrisisEvent struct {
	SessionID  string   `json:"session_id"`
	UserID     string   `json:"user_id,omitempty"`
	AgentID    string   `json:"agent_id,omitempty"`
	Source     string   `json:"source"` // "critical_path" or "workflow.<strategy>"
	Indicators []string `json:"indicators,omitempty"`
}
