package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/menta2k/floorplan-analyzer/internal/logger"
)

// Hub fans progress messages out to the websocket viewers of each instance
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[chan []byte]struct{}
	logger  *logger.Logger
}

func NewHub(logger *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[chan []byte]struct{}),
		logger:  logger,
	}
}

// Register subscribes to an instance; the channel closes when the instance ends
func (h *Hub) Register(id string) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[id] == nil {
		h.clients[id] = make(map[chan []byte]struct{})
	}
	h.clients[id][ch] = struct{}{}
	return ch
}

func (h *Hub) Unregister(id string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.clients[id]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.clients, id)
		}
	}
}

// Broadcast never blocks; slow viewers miss intermediate messages
func (h *Hub) Broadcast(id string, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[id] {
		select {
		case ch <- message:
		default:
			h.logger.Warning("Dropping progress message for slow viewer of %s", id)
		}
	}
}

// Finish closes every subscription of an instance
func (h *Hub) Finish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[id] {
		close(ch)
	}
	delete(h.clients, id)
}

func (h *Hub) ClientCount(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[id])
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}
