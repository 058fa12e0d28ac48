package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

// Client is a middleman between the WebSocket connection and the hub.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// ctx bounds every stream opened on behalf of this client. Cancelled
	// when the client disconnects.
	ctx    context.Context
	cancel context.CancelFunc

	// streamMu guards streams, one entry per followed task.
	streamMu sync.Mutex
	streams  map[string]*stream

	logger *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*stream),
		logger:  log.WithFields(zap.String("component", "ws_client"), zap.String("client_id", id)),
	}
}

// stop cancels the client's streams. Called by the hub on unregister.
func (c *Client) stop() {
	c.cancel()
	c.streamMu.Lock()
	for taskID, s := range c.streams {
		s.cancel()
		delete(c.streams, taskID)
	}
	c.streamMu.Unlock()
}

// stream is one per-task event follow opened via task:history.
type stream struct {
	cancel func()
}

// ReadPump pumps messages from the WebSocket connection to the dispatcher.
//
// The application runs ReadPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(data)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket frame
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for delivery to this client. Returns false when the
// client's buffer is full.
func (c *Client) Send(msg *ws.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "", ws.ErrorCodeBadRequest, "Invalid message format")
		return
	}

	// task:history streams per-client, so it bypasses the shared dispatcher.
	if msg.Action == ws.ActionTaskHistory {
		c.handleHistory(&msg)
		return
	}

	resp, err := c.hub.dispatcher.Dispatch(c.ctx, &msg)
	if err != nil {
		c.logger.Error("Handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}
	if resp != nil {
		c.Send(resp)
	}
}

// handleHistory opens a replay-then-follow stream for one task and forwards
// every event to this client as a task:execution_event notification. A new
// request for the same task replaces the old stream.
func (c *Client) handleHistory(msg *ws.Message) {
	var req v1.ExecuteHistoryRequest
	if err := msg.ParsePayload(&req); err != nil || req.TaskID == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "task_id is required")
		return
	}

	events, cancel, err := c.hub.streams.Subscribe(c.ctx, req.TaskID, req.SinceSeq)
	if err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
		return
	}

	s := &stream{cancel: cancel}
	c.streamMu.Lock()
	if prev, ok := c.streams[req.TaskID]; ok {
		prev.cancel()
	}
	c.streams[req.TaskID] = s
	c.streamMu.Unlock()

	if resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]any{"task_id": req.TaskID, "subscribed": true}); err == nil {
		c.Send(resp)
	}

	go func() {
		defer func() {
			c.streamMu.Lock()
			if c.streams[req.TaskID] == s {
				delete(c.streams, req.TaskID)
			}
			c.streamMu.Unlock()
			cancel()
		}()
		for event := range events {
			note, err := ws.NewNotification(ws.ActionTaskExecutionEvent, event)
			if err != nil {
				continue
			}
			if !c.Send(note) {
				// Ending the stream beats skipping an event: the client
				// reconnects with its last seen seq and misses nothing.
				c.logger.Warn("Client buffer full, ending event stream",
					zap.String("task_id", req.TaskID),
					zap.Int64("seq", event.Seq))
				return
			}
		}
	}()
}

func (c *Client) sendError(id, action, code, message string) {
	if msg, err := ws.NewError(id, action, code, message, nil); err == nil {
		c.Send(msg)
	}
}
