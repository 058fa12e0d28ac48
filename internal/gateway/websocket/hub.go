// Package websocket is the gateway's WebSocket layer: the client channel
// carrying task actions and notifications, and the host control channel
// carrying worker registration and heartbeats.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

// Streamer opens per-task execution event streams for task:history.
type Streamer interface {
	Subscribe(ctx context.Context, taskID string, sinceSeq int64) (<-chan v1.ExecutionEvent, func(), error)
}

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher
	streams    Streamer

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a WebSocket hub.
func NewHub(dispatcher *ws.Dispatcher, streams Streamer, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *ws.Message, 256),
		dispatcher: dispatcher,
		streams:    streams,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run is the hub's main loop. Blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.stop()
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.stop()
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastMessage sends a message to all connected clients. Full buffers
// drop the message for that client; the write pump cleans up dead peers.
func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast queue full, dropping notification",
			zap.String("action", msg.Action))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
