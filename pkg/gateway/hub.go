package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/tphan267/arqut-signal/pkg/logger"
)

// ConnectionInfo is what the management API reports about a connection.
type ConnectionInfo struct {
	ConnectionID string    `json:"connectionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	SourceIP     string    `json:"sourceIp,omitempty"`
}

// Hub tracks the open connections of this gateway process and implements the
// send-to-connection capability for them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *logger.Logger

	// One count per accepted socket until its $disconnect has run
	pumps sync.WaitGroup
}

// NewHub creates an empty hub
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		clients: make(map[string]*Client),
		logger:  log,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}

func (h *Hub) get(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// PostToConnection queues data for delivery to connectionID. Delivery is best
// effort: ErrGone means the connection is not open on this gateway.
func (h *Hub) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	c, ok := h.get(connectionID)
	if !ok {
		return ErrGone
	}
	return c.enqueue(ctx, data)
}

// Connection returns metadata about an open connection
func (h *Hub) Connection(connectionID string) (ConnectionInfo, error) {
	c, ok := h.get(connectionID)
	if !ok {
		return ConnectionInfo{}, ErrGone
	}
	return c.Info(), nil
}

// Disconnect closes an open connection from the server side
func (h *Hub) Disconnect(connectionID string) error {
	c, ok := h.get(connectionID)
	if !ok {
		return ErrGone
	}
	h.logger.Info("Closing connection %s on request", connectionID)
	c.Close()
	return nil
}

// Count returns the number of open connections
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every open connection. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// Wait blocks until every closed connection has finished its $disconnect
// route, or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pumps.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
