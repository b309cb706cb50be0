// Package statushub pushes sync and connectivity events to UI shells over a
// websocket. Clients can filter events but cannot trigger any action.
package statushub

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/logging"
	"github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/network"
	syncpkg "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/sync"
)

// =====================================================
// Event Types
// =====================================================

const (
	EventSyncCompleted  = "sync.completed"
	EventNetworkChanged = "network.changed"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

type outbound struct {
	event   string
	payload []byte
}

// Hub keeps the connected clients and fans out broadcasts.
type Hub struct {
	clients    map[string]*client
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     isLoopback,
		},
	}
	go h.run()
	return h
}

// isLoopback only admits connections addressed to this machine.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Status client connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Status client disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(msg.event) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// slow client
					close(c.send)
					delete(h.clients, id)
					logging.Warn("Dropped slow status client", map[string]interface{}{"client_id": id})
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to every client subscribed to it.
func (h *Hub) Broadcast(event string, data interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to marshal status event", err, map[string]interface{}{"type": event})
		return
	}

	select {
	case h.broadcast <- outbound{event: event, payload: payload}:
	case <-h.done:
	}
}

// BroadcastSyncCompleted publishes the result of a sync cycle. It has the
// shape of a sync completion listener.
func (h *Hub) BroadcastSyncCompleted(result syncpkg.Result) {
	h.Broadcast(EventSyncCompleted, result)
}

// BroadcastNetworkChanged publishes a connectivity transition. It has the
// shape of a network listener.
func (h *Hub) BroadcastNetworkChanged(status network.Status) {
	h.Broadcast(EventNetworkChanged, status)
}

// Handler upgrades requests to websocket connections.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Failed to upgrade status connection", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:            uuid.NewString(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			hub:           h,
			subscriptions: make(map[string]bool),
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
