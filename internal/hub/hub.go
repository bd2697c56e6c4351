// Package hub fans daemon events out to connected dashboard pages over
// websockets. Pages are anonymous listeners: they receive worker lifecycle
// events, sync results and connectivity changes, and may post cache hints
// back.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Hub maintains the set of active page connections and broadcasts events.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[string]*Client

	logger *slog.Logger

	inboundMu sync.Mutex
	inbound   []func([]byte)
}

// New creates an idle Hub. Call Run to start its event loop.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[string]*Client),
		logger:     logger,
	}
}

// Run drives registration and broadcast until the channels close. Meant to
// run in its own goroutine for the daemon's lifetime.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.id]; ok {
				close(old.send)
			}
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("page connected", "client", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("page disconnected", "client", client.id, "total", n)

		case message := <-h.broadcast:
			h.mu.RLock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow or dead page; drop the frame rather than block
					// the hub loop.
					h.logger.Debug("dropping frame for slow page", "client", id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast marshals v and queues it for every connected page. Delivery is
// best-effort.
func (h *Hub) Broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("marshaling broadcast failed", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("broadcast queue full, dropping event")
	}
}

// Clients returns the number of connected pages.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnInbound subscribes to raw messages posted by pages.
func (h *Hub) OnInbound(fn func([]byte)) {
	h.inboundMu.Lock()
	defer h.inboundMu.Unlock()
	h.inbound = append(h.inbound, fn)
}

func (h *Hub) dispatchInbound(message []byte) {
	h.inboundMu.Lock()
	subs := append([]func([]byte){}, h.inbound...)
	h.inboundMu.Unlock()
	for _, fn := range subs {
		fn(message)
	}
}
