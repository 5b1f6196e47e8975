// Package bus carries task and host activity between the runner, the host
// pool, the UI gateway and, with NATS, other controllers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DataTaskID is the payload key naming the task an event belongs to.
const DataTaskID = "taskId"

// Event is one published fact. Data is JSON-compatible so it survives the
// NATS round trip unchanged.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// TaskID returns the task the event is about, or "" for host-level events.
func (e *Event) TaskID() string {
	id, _ := e.Data[DataTaskID].(string)
	return id
}

// EventHandler handles one delivered event. A returned error is logged and
// does not stop delivery.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live registration on the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-process bus and the NATS bus. Subjects
// are dot separated; "*" matches one token and a trailing ">" matches the rest.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers matching events to handler in publish order.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe delivers each matching event to one member of queue.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	Close()
	IsConnected() bool
}
