package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP requests into streaming clients.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a WebSocket handler.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamTask subscribes one connection to a single task.
// GET /api/v1/tasks/:taskId/stream
func (h *WSHandler) StreamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task id is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(taskID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll accepts a connection whose subscriptions are managed by
// subscribe/unsubscribe messages.
// GET /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes registers the streaming endpoints.
func SetupRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/tasks/:taskId/stream", handler.StreamTask)
	router.GET("/stream", handler.StreamAll)
}
