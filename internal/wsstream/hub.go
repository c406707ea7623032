// Package wsstream streams a running task's CLI Runner Protocol events
// (PROGRESS/USAGE/ARTIFACT/ERROR/DONE) to operator dashboard clients over
// WebSocket, grounded on the DAG-visualization hub used elsewhere in
// this lineage — the same register/unregister/broadcast channel pattern,
// generalized from broadcast-to-everyone to per-task subscriptions.
package wsstream

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentctl/core/internal/runner"
)

// LogEvent is one runner.Event addressed to a specific task's subscribers.
type LogEvent struct {
	TaskID    string       `json:"task_id"`
	Event     runner.Event `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
}

type client struct {
	conn   *websocket.Conn
	taskID string
}

// Hub fans out task log events to every WebSocket client subscribed to
// that task. One Hub serves the whole process; tasks are distinguished by
// the taskID each client supplied when it connected.
type Hub struct {
	clients    map[*client]bool
	byTask     map[string]map[*client]bool
	broadcast  chan LogEvent
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub creates a Hub. CORS origin checking is left to the caller's
// upstream middleware, matching how the rest of this control plane
// handles cross-origin policy.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		byTask:     make(map[string]map[*client]bool),
		broadcast:  make(chan LogEvent, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run drives the hub's event loop. Call it once, in its own goroutine,
// for the lifetime of the process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			if h.byTask[c.taskID] == nil {
				h.byTask[c.taskID] = make(map[*client]bool)
			}
			h.byTask[c.taskID][c] = true
			h.mu.Unlock()
			log.Printf("wsstream: client subscribed to task %s (total clients: %d)", c.taskID, len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				delete(h.byTask[c.taskID], c)
				if len(h.byTask[c.taskID]) == 0 {
					delete(h.byTask, c.taskID)
				}
				c.conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.RLock()
			for c := range h.byTask[ev.TaskID] {
				if err := c.conn.WriteJSON(ev); err != nil {
					log.Printf("wsstream: write error, dropping client: %v", err)
					go func(c *client) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection
// against taskID. The server mounts this at /tasks/{id}/stream via
// gorilla/mux and passes the {id} path variable as taskID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, taskID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsstream: upgrade error: %v", err)
		return
	}

	c := &client{conn: conn, taskID: taskID}
	h.register <- c

	go func() {
		defer func() { h.unregister <- c }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Publish broadcasts a runner.Event to every client subscribed to taskID.
// Non-blocking: if the broadcast channel is full the event is dropped
// rather than stalling the scheduler's worker loop.
func (h *Hub) Publish(taskID string, ev runner.Event) {
	select {
	case h.broadcast <- LogEvent{TaskID: taskID, Event: ev, Timestamp: time.Now()}:
	default:
		log.Printf("wsstream: broadcast queue full, dropping event for task %s", taskID)
	}
}

// Stats reports current hub occupancy for the /health and /metrics endpoints.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(h.clients),
		"subscribed_tasks":  len(h.byTask),
		"broadcast_queue":   len(h.broadcast),
	}
}
