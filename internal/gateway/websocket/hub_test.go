package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

type fakeStreamer struct {
	events  chan v1.ExecutionEvent
	cancels atomic.Int32
	err     error
}

func (f *fakeStreamer) Subscribe(ctx context.Context, taskID string, sinceSeq int64) (<-chan v1.ExecutionEvent, func(), error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.events, func() { f.cancels.Add(1) }, nil
}

func newTestHub(t *testing.T, streams Streamer) (*Hub, context.CancelFunc) {
	t.Helper()
	log := newTestLogger(t)
	hub := NewHub(ws.NewDispatcher(), streams, log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

// receiveMessage reads one envelope from a client's send queue.
func receiveMessage(t *testing.T, c *Client) *ws.Message {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("Send channel closed")
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for message")
		return nil
	}
}

func TestHubBroadcastReachesAllClients(t *testing.T) {
	hub, _ := newTestHub(t, &fakeStreamer{})
	log := newTestLogger(t)

	a := NewClient("client-a", hub, nil, log)
	b := NewClient("client-b", hub, nil, log)
	hub.Register(a)
	hub.Register(b)

	waitClientCount(t, hub, 2)

	note, err := ws.NewNotification(ws.ActionTaskStatus, v1.TaskStatusNotification{
		TaskID:       "task-1",
		KanbanStatus: v1.KanbanDoing,
	})
	if err != nil {
		t.Fatalf("Failed to build notification: %v", err)
	}
	hub.Broadcast(note)

	for _, c := range []*Client{a, b} {
		msg := receiveMessage(t, c)
		if msg.Action != ws.ActionTaskStatus {
			t.Errorf("Expected action %s, got %s", ws.ActionTaskStatus, msg.Action)
		}
		if msg.Type != ws.MessageTypeNotification {
			t.Errorf("Expected notification type, got %s", msg.Type)
		}
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub, _ := newTestHub(t, &fakeStreamer{})
	log := newTestLogger(t)

	c := NewClient("client-a", hub, nil, log)
	hub.Register(c)
	waitClientCount(t, hub, 1)

	hub.Unregister(c)
	waitClientCount(t, hub, 0)

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("Expected send channel to be closed")
		}
	case <-time.After(time.Second):
		t.Error("Send channel not closed after unregister")
	}

	select {
	case <-c.ctx.Done():
	default:
		t.Error("Expected client context to be cancelled")
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, cancel := newTestHub(t, &fakeStreamer{})
	log := newTestLogger(t)

	c := NewClient("client-a", hub, nil, log)
	hub.Register(c)
	waitClientCount(t, hub, 1)

	cancel()
	waitClientCount(t, hub, 0)
}

func waitClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d clients, got %d", want, hub.ClientCount())
}
