package realtime

import (
	"log/slog"
	"sync"

	v1 "courier/shared/contracts/chat/v1"
)

// Hub indexes live clients by user id. A user may hold several connections
// (phone plus laptop); delivery targets all of them.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[string]*Client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]map[string]*Client),
	}
}

// Register adds a client under its user id.
func (h *Hub) Register(c *Client) {
	if c == nil || c.UserID == "" || c.ConnID == "" {
		return
	}

	h.mu.Lock()
	set := h.clients[c.UserID]
	if set == nil {
		set = make(map[string]*Client)
		h.clients[c.UserID] = set
	}
	set[c.ConnID] = c
	h.mu.Unlock()
}

// Unregister removes a client. Safe to call for a client that was never
// registered.
func (h *Hub) Unregister(c *Client) {
	if c == nil || c.UserID == "" {
		return
	}

	h.mu.Lock()
	if set := h.clients[c.UserID]; set != nil {
		delete(set, c.ConnID)
		if len(set) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()
}

// Deliver enqueues env on every live connection of the user without blocking.
// A connection whose queue is full is skipped; Deliver reports whether at
// least one connection accepted the envelope.
func (h *Hub) Deliver(userID string, env v1.Envelope) bool {
	h.mu.RLock()
	set := h.clients[userID]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		select {
		case <-c.Done():
		case c.Send <- env:
			delivered = true
		default:
			h.log.Info("hub.enqueue.drop",
				"user_id", userID, "conn_id", c.ConnID, "type", env.Type)
		}
	}
	return delivered
}
