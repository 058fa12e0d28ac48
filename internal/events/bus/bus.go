// Package bus carries gateway notifications between components and, when
// NATS is configured, to external consumers. The durable event log is the
// source of truth for execution timelines; the bus is only the wake-up
// channel on top of it.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one bus message.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returning an error only logs it; delivery
// is at-most-once and never retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-memory bus and the NATS bus. Subjects
// are dot-separated and support NATS wildcards (* and >) on both backends.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each message to one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
