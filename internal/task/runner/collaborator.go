package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
	"github.com/fkiller/GnuNae-sub001/internal/task/models"
)

// ExecuteNotice asks the navigation collaborator to prepare the browsing
// context before the host call is made.
type ExecuteNotice struct {
	TaskID   string      `json:"taskId"`
	Prompt   string      `json:"prompt"`
	Mode     models.Mode `json:"mode"`
	Name     string      `json:"name"`
	StartURL string      `json:"startUrl,omitempty"`
	// UseNewTab requests an isolated browsing context (one-time and
	// scheduled tasks); on-going tasks run in the current context.
	UseNewTab bool `json:"useNewTab"`
}

// BlockNotice hands a blocked run to a human.
type BlockNotice struct {
	TaskID  string    `json:"taskId"`
	Type    BlockType `json:"type"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	Hint    string    `json:"hint"`
}

// Collaborator is the navigation/UI side of a run.
type Collaborator interface {
	OnTaskExecute(ctx context.Context, n ExecuteNotice)
	OnTaskBlocked(ctx context.Context, n BlockNotice)
}

type nopCollaborator struct{}

func (nopCollaborator) OnTaskExecute(context.Context, ExecuteNotice) {}
func (nopCollaborator) OnTaskBlocked(context.Context, BlockNotice)   {}

// BusCollaborator publishes collaborator notifications on the event bus,
// where the websocket gateway forwards them to UI clients.
type BusCollaborator struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewBusCollaborator creates a collaborator backed by b.
func NewBusCollaborator(b bus.EventBus, log *logger.Logger) *BusCollaborator {
	return &BusCollaborator{bus: b, logger: log.WithFields(zap.String("component", "collaborator"))}
}

func (c *BusCollaborator) OnTaskExecute(ctx context.Context, n ExecuteNotice) {
	c.publish(ctx, events.TaskExecute, n.TaskID, map[string]interface{}{
		bus.DataTaskID: n.TaskID,
		"prompt":       n.Prompt,
		"mode":         string(n.Mode),
		"name":         n.Name,
		"startUrl":     n.StartURL,
		"useNewTab":    n.UseNewTab,
	})
}

func (c *BusCollaborator) OnTaskBlocked(ctx context.Context, n BlockNotice) {
	c.publish(ctx, events.TaskBlocked, n.TaskID, map[string]interface{}{
		bus.DataTaskID: n.TaskID,
		"type":         string(n.Type),
		"message":      n.Message,
		"detail":       n.Detail,
		"hint":         n.Hint,
	})
}

func (c *BusCollaborator) publish(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	ev := bus.NewEvent(eventType, "task-runner", data)
	if err := c.bus.Publish(ctx, events.BuildTaskSubject(eventType, taskID), ev); err != nil {
		c.logger.Warn("failed to publish notification",
			zap.String("event_type", eventType),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}
