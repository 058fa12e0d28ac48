package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibekan/vibekan/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("task.execution.running", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := NewEvent("execution.state_changed", "engine", map[string]interface{}{"execution_id": "exec-1"})
	if err := bus.Publish(ctx, "task.execution.running", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan string, 4)

	sub, err := bus.Subscribe("task.execution.*", func(ctx context.Context, event *Event) error {
		received <- event.Type
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for _, state := range []string{"running", "completed"} {
		event := NewEvent("execution."+state, "engine", nil)
		if err := bus.Publish(ctx, ExecutionSubject(state), event); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for event %d", i)
		}
	}

	// A non-matching subject must not be delivered
	if err := bus.Publish(ctx, "host.updated", NewEvent("host.updated", "registry", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case typ := <-received:
		t.Fatalf("Unexpected delivery for non-matching subject: %s", typ)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("task.changed", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("task.changed", "store", nil)
	if err := bus.Publish(ctx, "task.changed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // Allow goroutines to complete

	if atomic.LoadInt32(&count) != 3 {
		t.Errorf("Expected 3 handlers to be called, got %d", count)
	}
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.QueueSubscribe("task.execution.completed", "workers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("QueueSubscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	event := NewEvent("execution.completed", "engine", nil)
	if err := bus.Publish(ctx, "task.execution.completed", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected exactly 1 queue delivery, got %d", count)
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("task.changed", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(ctx, "task.changed", NewEvent("task.changed", "store", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected no deliveries after unsubscribe, got %d", count)
	}
}

func TestMemoryEventBus_PublishAfterClose(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}

	err := bus.Publish(context.Background(), "task.changed", NewEvent("task.changed", "store", nil))
	if err == nil {
		t.Error("Expected publish on a closed bus to fail")
	}
}
