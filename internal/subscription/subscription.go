// Package subscription delivers per-task execution event streams to
// consumers, stitching durable history and live events into one ordered
// channel.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/eventlog"
	"github.com/vibekan/vibekan/internal/events/bus"
	"github.com/vibekan/vibekan/internal/task/models"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// cannot keep up is dropped whole, never handed a gapped stream; it is
// expected to reconnect with its last seen seq.
const subscriberBuffer = 1024

// Manager fans execution events out to subscribers. Each subscription
// replays history from the event log, then follows the live bus stream.
// Duplicates across the handover are suppressed by sequence number.
type Manager struct {
	log    *eventlog.Log
	bus    bus.EventBus
	logger *logger.Logger
}

// NewManager creates a subscription manager.
func NewManager(log *eventlog.Log, eventBus bus.EventBus, lg *logger.Logger) *Manager {
	return &Manager{
		log:    log,
		bus:    eventBus,
		logger: lg.WithFields(zap.String("component", "subscription")),
	}
}

// PublishEvent puts an appended event onto the live stream. Called by the
// engine after every durable append.
func (m *Manager) PublishEvent(ctx context.Context, event *v1.ExecutionEvent) {
	encoded, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("Failed to encode execution event", zap.Error(err))
		return
	}
	busEvent := bus.NewEvent("task.execution_event", "engine", map[string]interface{}{
		"event": string(encoded),
	})
	if err := m.bus.Publish(ctx, bus.TaskEventsSubject(event.TaskID), busEvent); err != nil {
		m.logger.Warn("Failed to publish execution event",
			zap.String("task_id", event.TaskID),
			zap.Error(err))
	}
}

// Subscribe streams a task's execution events starting after sinceSeq.
// History is replayed first; once caught up the stream follows live events.
// The returned cancel function releases the subscription and closes the
// channel.
func (m *Manager) Subscribe(ctx context.Context, taskID string, sinceSeq int64) (<-chan v1.ExecutionEvent, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	out := make(chan v1.ExecutionEvent, subscriberBuffer)
	live := make(chan v1.ExecutionEvent, subscriberBuffer)
	var liveDropped atomic.Int64

	// Attach to the live stream before replaying so nothing falls into the
	// gap between the log read and the bus subscription.
	busSub, err := m.bus.Subscribe(bus.TaskEventsSubject(taskID), func(_ context.Context, busEvent *bus.Event) error {
		encoded, ok := busEvent.Data["event"].(string)
		if !ok {
			return nil
		}
		var event v1.ExecutionEvent
		if err := json.Unmarshal([]byte(encoded), &event); err != nil {
			m.logger.Warn("Failed to decode execution event", zap.Error(err))
			return nil
		}
		select {
		case live <- event:
		default:
			liveDropped.Add(1)
		}
		return nil
	})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = busSub.Unsubscribe()
			cancel()
		})
	}

	go m.run(subCtx, taskID, sinceSeq, live, out, &liveDropped, stop)

	return out, stop, nil
}

// run replays history then forwards live events. The stream closes when the
// subscriber cancels, when its buffer overflows, or when the execution
// reaches a terminal state (session_ended is always the last event).
func (m *Manager) run(ctx context.Context, taskID string, sinceSeq int64, live <-chan v1.ExecutionEvent, out chan<- v1.ExecutionEvent, liveDropped *atomic.Int64, stop func()) {
	defer func() {
		stop()
		close(out)
	}()

	// deliver reports false when the subscriber's buffer is full. The
	// subscriber is dropped whole rather than losing individual events, so
	// it can reconnect from its last seen seq without a silent gap.
	deliver := func(event v1.ExecutionEvent) bool {
		select {
		case out <- event:
			return true
		default:
			m.logger.Warn("Subscriber buffer full, dropping subscriber",
				zap.String("task_id", taskID),
				zap.Int64("seq", event.Seq))
			return false
		}
	}

	lastSeq := sinceSeq
	lastExecutionID := ""
	terminal := false

	// Replay from the log until caught up. Events appended while the replay
	// runs are picked up by the next round.
	if exec, err := m.log.CurrentExecution(ctx, taskID); err == nil && exec != nil {
		lastExecutionID = exec.ID
		terminal = models.IsTerminal(exec.State)
		for {
			events, err := m.log.TailSince(ctx, exec.ID, lastSeq)
			if err != nil {
				m.logger.Warn("History replay failed",
					zap.String("task_id", taskID),
					zap.Error(err))
				break
			}
			if len(events) == 0 {
				break
			}
			for _, event := range events {
				if !deliver(event.ToAPI()) {
					return
				}
				lastSeq = event.Seq
			}
		}
	}

	// A terminal execution has nothing more to say: the replay was the
	// whole stream.
	if terminal {
		return
	}

	// Follow the live stream. Replayed events arriving again over the bus
	// are dropped by the seq cursor; a new execution resets it. Bus delivery
	// order is not guaranteed, so a gap is filled from the durable log
	// before the newer event goes out.
	for {
		select {
		case <-ctx.Done():
			if n := liveDropped.Load(); n > 0 {
				m.logger.Warn("Live events dropped during subscription",
					zap.String("task_id", taskID),
					zap.Int64("dropped", n))
			}
			return
		case event := <-live:
			if event.ExecutionID != lastExecutionID {
				lastExecutionID = event.ExecutionID
				lastSeq = 0
			}
			if event.Seq <= lastSeq {
				continue
			}
			if event.Seq > lastSeq+1 {
				filled, err := m.log.TailSince(ctx, event.ExecutionID, lastSeq)
				if err == nil {
					for _, ev := range filled {
						if ev.Seq > lastSeq {
							if !deliver(ev.ToAPI()) {
								return
							}
							lastSeq = ev.Seq
							if ev.Kind == v1.EventSessionEnded {
								return
							}
						}
					}
				}
				if event.Seq <= lastSeq {
					continue
				}
			}
			lastSeq = event.Seq
			if !deliver(event) {
				return
			}
			if event.Kind == v1.EventSessionEnded {
				return
			}
		}
	}
}
