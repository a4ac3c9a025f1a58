// Package ws is the relay side of the transport session: one authenticated
// socket per user, JSON envelopes in both directions.
package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	apperrors "callrelay-backend/pkg/errors"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
)

// Hub tracks the live connection of every user and delivers events to it
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	// Semaphore for limiting concurrent connections
	semaphore chan struct{}

	metrics *metrics.Metrics
}

// NewHub creates a hub that admits at most maxConnections sockets
func NewHub(maxConnections int, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:        make(map[string]*Client),
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
		metrics:        m,
	}
}

// Emit queues event for userID without blocking. It fails with a
// NetworkError when the user has no live socket or is not keeping up.
func (h *Hub) Emit(userID, event string, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to encode event", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "failed to encode envelope", err)
	}

	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return apperrors.NetworkError(fmt.Sprintf("user %s is not connected", userID), nil)
	}

	if err := client.enqueue(data); err != nil {
		return err
	}
	h.metrics.RecordWebSocketMessage(event, "out")
	return nil
}

// IsConnected reports whether userID has a live socket
func (h *Hub) IsConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// ConnectionCount returns the number of live sockets
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// acquire takes a connection slot. It never blocks.
func (h *Hub) acquire() bool {
	select {
	case h.semaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *Hub) release() {
	<-h.semaphore
}

// register makes c the user's live connection and returns the one it
// replaced, if any
func (h *Hub) register(c *Client) *Client {
	h.mu.Lock()
	old := h.clients[c.userID]
	h.clients[c.userID] = c
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketConnections(count)
	logger.Info("WebSocket client registered",
		zap.String("user_id", c.userID),
		zap.Bool("replaced", old != nil),
		zap.Int("connections", count))
	return old
}

// unregister drops c and reports whether it was still the user's live
// connection. A replaced connection going away is not a disconnect.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	current, ok := h.clients[c.userID]
	live := ok && current == c
	if live {
		delete(h.clients, c.userID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketConnections(count)
	return live
}

// Shutdown closes every live socket
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close(closeGoingAway, "server shutting down")
	}
}
