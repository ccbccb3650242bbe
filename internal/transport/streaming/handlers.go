package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler upgrades HTTP connections to WebSocket clients of hub.
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler constructs a WSHandler bound to hub.
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: log.WithFields(zap.String("component", "ws_handler"))}
}

// StreamTask upgrades the connection and subscribes it to one task's
// lifecycle events. GET /ws/tasks/:taskId/stream
func (h *WSHandler) StreamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)
	client.Subscribe(taskID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll upgrades the connection without a fixed subscription; the
// client manages its own task set via subscribe/unsubscribe messages.
// GET /ws/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// SetupRoutes mounts the streaming endpoints under router.
func SetupRoutes(router *gin.RouterGroup, handler *WSHandler) {
	router.GET("/tasks/:taskId/stream", handler.StreamTask)
	router.GET("/stream", handler.StreamAll)
}
