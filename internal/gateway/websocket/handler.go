package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibekan/vibekan/internal/common/logger"
	"github.com/vibekan/vibekan/internal/host"
	v1 "github.com/vibekan/vibekan/pkg/api/v1"
	ws "github.com/vibekan/vibekan/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway is a local or trusted-network service
		return true
	},
}

// Handler upgrades client connections on /ws.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleWebSocket handles a client WebSocket connection.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), h.hub, conn, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// HostHandler upgrades worker connections on /ws/host. A worker must send a
// host.register frame first; after that it sends host.heartbeat frames for as
// long as it wants to stay eligible. Disconnecting deregisters the host.
type HostHandler struct {
	hosts  *host.Registry
	logger *logger.Logger
}

// NewHostHandler creates the worker control channel handler.
func NewHostHandler(hosts *host.Registry, log *logger.Logger) *HostHandler {
	return &HostHandler{
		hosts:  hosts,
		logger: log.WithFields(zap.String("component", "ws_host_handler")),
	}
}

// HandleWebSocket handles a worker control connection.
func (h *HostHandler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade host connection", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)

	hostID := ""
	defer func() {
		if hostID != "" {
			h.hosts.Deregister(hostID)
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Host channel read error",
					zap.String("host_id", hostID),
					zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeError(conn, "", "", ws.ErrorCodeBadRequest, "Invalid message format")
			continue
		}

		switch msg.Action {
		case ws.ActionHostRegister:
			var req v1.RegisterHostRequest
			if err := msg.ParsePayload(&req); err != nil {
				h.writeError(conn, msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid register payload")
				continue
			}
			id, err := h.hosts.Register(req.Name, req.Capabilities)
			if err != nil {
				h.writeError(conn, msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error())
				continue
			}
			hostID = id
			h.writeResponse(conn, msg.ID, msg.Action, v1.RegisterHostResponse{HostID: id})

		case ws.ActionHostHeartbeat:
			var req v1.HeartbeatRequest
			if err := msg.ParsePayload(&req); err != nil || req.HostID == "" {
				// A bare heartbeat on a registered channel refreshes that host
				req.HostID = hostID
			}
			if req.HostID == "" {
				h.writeError(conn, msg.ID, msg.Action, ws.ErrorCodeBadRequest, "host_id is required")
				continue
			}
			if err := h.hosts.Heartbeat(req.HostID); err != nil {
				h.writeError(conn, msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error())
				continue
			}
			h.writeResponse(conn, msg.ID, msg.Action, map[string]any{"ok": true})

		default:
			h.writeError(conn, msg.ID, msg.Action, ws.ErrorCodeUnknownAction, "Unknown action: "+msg.Action)
		}
	}
}

func (h *HostHandler) writeResponse(conn *websocket.Conn, id, action string, payload any) {
	msg, err := ws.NewResponse(id, action, payload)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn("Failed to write host response", zap.Error(err))
	}
}

func (h *HostHandler) writeError(conn *websocket.Conn, id, action, code, message string) {
	msg, err := ws.NewError(id, action, code, message, nil)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn("Failed to write host error", zap.Error(err))
	}
}
