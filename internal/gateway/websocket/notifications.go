package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
)

// Broadcaster relays task and host events from the bus to hub clients. Task
// events are routed by their task id; host events go to every client.
type Broadcaster struct {
	hub    *Hub
	logger *logger.Logger

	mu   sync.Mutex
	subs []bus.Subscription
}

// RegisterNotifications starts relaying until ctx is done or Close is called.
// A nil bus yields an idle broadcaster.
func RegisterNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	for _, subject := range []string{events.TaskWildcardSubject, events.HostWildcardSubject} {
		sub, err := eventBus.Subscribe(subject, b.relay)
		if err != nil {
			b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
			continue
		}
		b.subs = append(b.subs, sub)
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b
}

func (b *Broadcaster) relay(_ context.Context, event *bus.Event) error {
	msg, err := NewNotification(event.Type, event.Data)
	if err != nil {
		b.logger.Error("failed to build websocket notification", zap.String("action", event.Type), zap.Error(err))
		return nil
	}
	b.hub.Broadcast(event.TaskID(), msg)
	return nil
}

// Close drops the bus subscriptions. It is safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
}
