package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jupark12/transcribe-queue/models"
)

const writeWait = 10 * time.Second

// WebSocketManager fans job updates out to connected websocket clients.
type WebSocketManager struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	logger     *slog.Logger
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager(logger *slog.Logger) *WebSocketManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketManager{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Start runs the manager until ctx is cancelled, then closes every client.
func (wsm *WebSocketManager) Start(ctx context.Context) {
	go func() {
		defer close(wsm.done)
		for {
			select {
			case <-ctx.Done():
				wsm.mu.Lock()
				for client := range wsm.clients {
					client.Close()
					delete(wsm.clients, client)
				}
				wsm.mu.Unlock()
				return
			case client := <-wsm.register:
				wsm.mu.Lock()
				wsm.clients[client] = true
				n := len(wsm.clients)
				wsm.mu.Unlock()
				wsm.logger.Info("websocket client connected", "clients", n)
			case client := <-wsm.unregister:
				wsm.mu.Lock()
				if _, ok := wsm.clients[client]; ok {
					delete(wsm.clients, client)
					client.Close()
				}
				n := len(wsm.clients)
				wsm.mu.Unlock()
				wsm.logger.Info("websocket client disconnected", "clients", n)
			case message := <-wsm.broadcast:
				wsm.mu.Lock()
				for client := range wsm.clients {
					_ = client.SetWriteDeadline(time.Now().Add(writeWait))
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						wsm.logger.Warn("failed to send websocket message", "error", err)
						client.Close()
						delete(wsm.clients, client)
					}
				}
				wsm.mu.Unlock()
			}
		}
	}()
}

// Clients returns the number of connected clients.
func (wsm *WebSocketManager) Clients() int {
	wsm.mu.Lock()
	defer wsm.mu.Unlock()
	return len(wsm.clients)
}

// BroadcastJobUpdate queues a job update for every client. Updates are
// dropped when the manager is stopped or the buffer is full.
func (wsm *WebSocketManager) BroadcastJobUpdate(job *models.Job) {
	update := map[string]any{
		"type":      "job_update",
		"job_id":    job.ID,
		"status":    job.Status,
		"priority":  job.Priority,
		"timestamp": job.UpdatedAt,
	}
	if job.Status == models.StatusFailed && job.ErrorMessage != "" {
		update["error"] = job.ErrorMessage
	}
	if job.Status == models.StatusCompleted {
		update["output_url"] = job.OutputURL
	}

	data, err := json.Marshal(update)
	if err != nil {
		wsm.logger.Error("failed to marshal job update", "job_id", job.ID, "error", err)
		return
	}

	select {
	case wsm.broadcast <- data:
	case <-wsm.done:
	default:
		wsm.logger.Warn("websocket broadcast buffer full, dropping update", "job_id", job.ID)
	}
}

// RegisterClient registers a new WebSocket client
func (wsm *WebSocketManager) RegisterClient(conn *websocket.Conn) {
	select {
	case wsm.register <- conn:
	case <-wsm.done:
		conn.Close()
	}
}

// UnregisterClient unregisters a WebSocket client
func (wsm *WebSocketManager) UnregisterClient(conn *websocket.Conn) {
	select {
	case wsm.unregister <- conn:
	case <-wsm.done:
	}
}
