package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventModeChanged        EventType = "arbiter.mode.changed"
	EventStrategicLaunched  EventType = "strategic.request.launched"
	EventStrategicSucceeded EventType = "strategic.request.succeeded"
	EventStrategicFailed    EventType = "strategic.request.failed"
	EventStrategicIgnored   EventType = "strategic.request.ignored"
	EventPlanInstalled      EventType = "plan.installed"
	EventPlanExhausted      EventType = "plan.exhausted"
	EventTierFailed         EventType = "fallback.tier.failed"
	EventTierSucceeded      EventType = "fallback.tier.succeeded"
	EventCacheEvicted       EventType = "cache.evicted"
	EventRulesReloaded      EventType = "rules.reloaded"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event, encoding payload as JSON. A payload that fails
// to encode is dropped.
func NewEvent(t EventType, agentID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), AgentID: agentID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers without blocking
	// on handler execution.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close stops the bus and waits for in-flight handlers.
	Close()
}
