package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

func marshalRequest(t *testing.T, id, action string, payload any) []byte {
	t.Helper()
	msg, err := ws.NewRequest(id, action, payload)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	return data
}

func TestClientDispatchesToHandler(t *testing.T) {
	hub, _ := newTestHub(t, &fakeStreamer{})
	hub.dispatcher.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"status": "ok"})
	})

	c := NewClient("client-a", hub, nil, newTestLogger(t))
	c.handleMessage(marshalRequest(t, "req-1", ws.ActionHealthCheck, nil))

	msg := receiveMessage(t, c)
	if msg.Type != ws.MessageTypeResponse {
		t.Errorf("Expected response, got %s", msg.Type)
	}
	if msg.ID != "req-1" {
		t.Errorf("Expected request ID echoed, got %q", msg.ID)
	}
}

func TestClientUnknownActionReturnsError(t *testing.T) {
	hub, _ := newTestHub(t, &fakeStreamer{})
	c := NewClient("client-a", hub, nil, newTestLogger(t))

	c.handleMessage(marshalRequest(t, "req-1", "task:frobnicate", nil))

	msg := receiveMessage(t, c)
	if msg.Type != ws.MessageTypeError {
		t.Fatalf("Expected error message, got %s", msg.Type)
	}
	var payload ws.ErrorPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("Failed to parse error payload: %v", err)
	}
	if payload.Code != ws.ErrorCodeUnknownAction {
		t.Errorf("Expected code %s, got %s", ws.ErrorCodeUnknownAction, payload.Code)
	}
}

func TestClientMalformedMessageReturnsError(t *testing.T) {
	hub, _ := newTestHub(t, &fakeStreamer{})
	c := NewClient("client-a", hub, nil, newTestLogger(t))

	c.handleMessage([]byte("{not json"))

	msg := receiveMessage(t, c)
	if msg.Type != ws.MessageTypeError {
		t.Fatalf("Expected error message, got %s", msg.Type)
	}
}

func TestClientHistoryStreamsEvents(t *testing.T) {
	streamer := &fakeStreamer{events: make(chan v1.ExecutionEvent, 8)}
	hub, _ := newTestHub(t, streamer)
	c := NewClient("client-a", hub, nil, newTestLogger(t))

	c.handleMessage(marshalRequest(t, "req-1", ws.ActionTaskHistory, v1.ExecuteHistoryRequest{TaskID: "task-1"}))

	ack := receiveMessage(t, c)
	if ack.Type != ws.MessageTypeResponse {
		t.Fatalf("Expected subscribe ack, got %s", ack.Type)
	}

	streamer.events <- v1.ExecutionEvent{ExecutionID: "exec-1", TaskID: "task-1", Seq: 1, Kind: v1.EventStatusChanged}
	streamer.events <- v1.ExecutionEvent{ExecutionID: "exec-1", TaskID: "task-1", Seq: 2, Kind: v1.EventSessionStarted}

	for wantSeq := int64(1); wantSeq <= 2; wantSeq++ {
		msg := receiveMessage(t, c)
		if msg.Action != ws.ActionTaskExecutionEvent {
			t.Fatalf("Expected %s, got %s", ws.ActionTaskExecutionEvent, msg.Action)
		}
		var event v1.ExecutionEvent
		if err := msg.ParsePayload(&event); err != nil {
			t.Fatalf("Failed to parse event: %v", err)
		}
		if event.Seq != wantSeq {
			t.Errorf("Expected seq %d, got %d", wantSeq, event.Seq)
		}
	}
}

func TestClientHistoryRequiresTaskID(t *testing.T) {
	hub, _ := newTestHub(t, &fakeStreamer{events: make(chan v1.ExecutionEvent)})
	c := NewClient("client-a", hub, nil, newTestLogger(t))

	c.handleMessage(marshalRequest(t, "req-1", ws.ActionTaskHistory, v1.ExecuteHistoryRequest{}))

	msg := receiveMessage(t, c)
	if msg.Type != ws.MessageTypeError {
		t.Fatalf("Expected error, got %s", msg.Type)
	}
	var payload ws.ErrorPayload
	if err := msg.ParsePayload(&payload); err != nil {
		t.Fatalf("Failed to parse error payload: %v", err)
	}
	if payload.Code != ws.ErrorCodeValidation {
		t.Errorf("Expected code %s, got %s", ws.ErrorCodeValidation, payload.Code)
	}
}

func TestClientHistoryResubscribeCancelsPrevious(t *testing.T) {
	streamer := &fakeStreamer{events: make(chan v1.ExecutionEvent, 8)}
	hub, _ := newTestHub(t, streamer)
	c := NewClient("client-a", hub, nil, newTestLogger(t))

	c.handleMessage(marshalRequest(t, "req-1", ws.ActionTaskHistory, v1.ExecuteHistoryRequest{TaskID: "task-1"}))
	receiveMessage(t, c)
	c.handleMessage(marshalRequest(t, "req-2", ws.ActionTaskHistory, v1.ExecuteHistoryRequest{TaskID: "task-1", SinceSeq: 5}))
	receiveMessage(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if streamer.cancels.Load() >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected previous stream cancelled, cancels=%d", streamer.cancels.Load())
}

func TestClientStopCancelsStreams(t *testing.T) {
	streamer := &fakeStreamer{events: make(chan v1.ExecutionEvent, 8)}
	hub, _ := newTestHub(t, streamer)
	c := NewClient("client-a", hub, nil, newTestLogger(t))

	c.handleMessage(marshalRequest(t, "req-1", ws.ActionTaskHistory, v1.ExecuteHistoryRequest{TaskID: "task-1"}))
	receiveMessage(t, c)

	c.stop()

	if streamer.cancels.Load() != 1 {
		t.Errorf("Expected stream cancelled on stop, cancels=%d", streamer.cancels.Load())
	}
	select {
	case <-c.ctx.Done():
	default:
		t.Error("Expected client context cancelled")
	}
}
