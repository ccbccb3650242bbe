// Package streaming broadcasts task lifecycle events to subscribed
// WebSocket clients. It is an external collaborator per spec.md §1 (not
// part of the orchestrator core) that the service layer feeds by calling
// Hub.Broadcast after each state transition.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/orchestrator/internal/common/logger"
)

// Event is a single task lifecycle notification pushed to subscribers.
type Event struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Detail any    `json:"detail,omitempty"`
}

// Client represents one WebSocket connection and the task ids it follows.
type Client struct {
	ID      string
	conn    *websocket.Conn
	taskIDs map[string]bool
	send    chan []byte
	hub     *Hub
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewClient wraps an already-upgraded WebSocket connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:      id,
		conn:    conn,
		taskIDs: make(map[string]bool),
		send:    make(chan []byte, 256),
		hub:     hub,
		logger:  log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe adds taskID to the set this client follows.
func (c *Client) Subscribe(taskID string) {
	c.mu.Lock()
	c.taskIDs[taskID] = true
	c.mu.Unlock()
	c.hub.subscribe(c, taskID)
}

// Unsubscribe removes taskID from the set this client follows.
func (c *Client) Unsubscribe(taskID string) {
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
	c.hub.unsubscribe(c, taskID)
}

// Hub fans Broadcast calls out to every client subscribed to a task.
type Hub struct {
	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub constructs an idle Hub; call Run to start its event loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Event, 256),
		logger:      log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run processes register/unregister/broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]bool)
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				for taskID := range client.taskIDs {
					h.removeFromTaskLocked(taskID, client)
				}
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) deliver(event *Event) {
	h.mu.RLock()
	clients := h.taskClients[event.TaskID]
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.mu.Lock()
			delete(h.clients, client)
			close(client.send)
			h.removeFromTaskLocked(event.TaskID, client)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeFromTaskLocked(taskID string, client *Client) {
	if clients, ok := h.taskClients[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskClients, taskID)
		}
	}
}

// Register admits a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast delivers event to every client subscribed to event.TaskID.
func (h *Hub) Broadcast(event *Event) { h.broadcast <- event }

func (h *Hub) subscribe(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.taskClients[taskID]; !ok {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true
}

func (h *Hub) unsubscribe(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromTaskLocked(taskID, client)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
