package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/voxlab/sussurro/internal/observe"
)

// Hub tracks connected clients and fans events out to all of them. Messages
// are serialized once per broadcast, not once per client. A client whose
// queue is full at broadcast time is pruned after the pass, so one stalled
// peer never delays the others.
type Hub struct {
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates an empty [Hub].
func NewHub(log *slog.Logger, metrics *observe.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		metrics: metrics,
		clients: make(map[*Client]struct{}),
	}
}

// Add registers a client for broadcasts.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

// Remove unregisters a client. Removing an unknown client is a no-op.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Count reports the number of registered clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast serializes v once and queues it on every client. Stalled clients
// are dropped after the delivery pass.
func (h *Hub) Broadcast(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal broadcast message", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	var stalled []*Client
	for _, c := range targets {
		if !c.trySend(data) {
			stalled = append(stalled, c)
		}
	}

	for _, c := range stalled {
		h.log.Warn("dropping stalled client")
		if h.metrics != nil {
			h.metrics.BroadcastErrors.Add(ctx, 1)
		}
		h.Remove(c)
		c.shutdown()
	}
}
