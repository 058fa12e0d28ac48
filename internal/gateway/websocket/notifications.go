package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/events/bus"
	"github.com/vibekan/vibekan/internal/task/store"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

const changeBuffer = 256

// Notifier bridges the task change stream and host registry updates onto the
// hub as broadcast notifications.
type Notifier struct {
	hub    *Hub
	tasks  store.Store
	bus    bus.EventBus
	logger *logger.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(hub *Hub, tasks store.Store, eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		hub:    hub,
		tasks:  tasks,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_notifier")),
	}
}

// Run forwards notifications until the context is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	changes, cancel := n.tasks.Changes(changeBuffer)
	defer cancel()

	var hostSub bus.Subscription
	if n.bus != nil {
		sub, err := n.bus.Subscribe(bus.SubjectHostUpdated, func(ctx context.Context, event *bus.Event) error {
			n.broadcastHostUpdate(event)
			return nil
		})
		if err != nil {
			return err
		}
		hostSub = sub
	}
	if hostSub != nil {
		defer hostSub.Unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			n.broadcastTaskStatus(change)
		}
	}
}

// broadcastTaskStatus pushes a task:status notification for every mutation.
// Deletes carry the task's last known status so boards can drop the card.
func (n *Notifier) broadcastTaskStatus(change store.Change) {
	task := change.After
	if task == nil {
		task = change.Before
	}
	if task == nil {
		return
	}

	note := v1.TaskStatusNotification{
		TaskID:       change.TaskID,
		KanbanStatus: task.KanbanStatus,
	}
	if change.After != nil && task.CurrentExecutionID != nil {
		note.ExecutionID = *task.CurrentExecutionID
	}

	msg, err := ws.NewNotification(ws.ActionTaskStatus, note)
	if err != nil {
		n.logger.Error("Failed to build task status notification", zap.Error(err))
		return
	}
	n.hub.Broadcast(msg)
}

func (n *Notifier) broadcastHostUpdate(event *bus.Event) {
	msg, err := ws.NewNotification(ws.ActionHostUpdate, event.Data)
	if err != nil {
		n.logger.Error("Failed to build host update notification", zap.Error(err))
		return
	}
	n.hub.Broadcast(msg)
}
