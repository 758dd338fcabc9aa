package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"dmchat/internal/domain"
	"dmchat/internal/realtime"
)

var (
	ErrNoConnection = errors.New("ws: no such connection")
	ErrSendBuffer   = errors.New("ws: send buffer full")
)

// Frame is the envelope for every event in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub tracks live sockets by connection id and delivers encoded frames to
// them. It implements realtime.Transport; delivery never blocks the caller.
type Hub struct {
	mu      sync.RWMutex
	clients map[domain.ConnectionID]*Client
	log     zerolog.Logger
}

var _ realtime.Transport = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[domain.ConnectionID]*Client),
		log:     log,
	}
}

// Add registers a client. An existing client with the same id is replaced.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// Remove drops the client for id, if any.
func (h *Hub) Remove(id domain.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send encodes event and payload as a frame and queues it on the connection.
// A client whose buffer is full is closed; its read loop then runs the
// normal disconnect path.
func (h *Hub) Send(conn domain.ConnectionID, event string, payload any) error {
	h.mu.RLock()
	c, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s to %s: %w", event, conn, ErrNoConnection)
	}

	data, err := json.Marshal(outboundFrame{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	if err := c.enqueue(data); err != nil {
		if errors.Is(err, ErrSendBuffer) {
			h.log.Warn().Str("conn", string(conn)).Str("event", event).Msg("slow client, closing")
			c.close()
		}
		return fmt.Errorf("send %s to %s: %w", event, conn, err)
	}
	return nil
}

// CloseAll closes every registered client and waits until their sockets are
// shut. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	for _, c := range clients {
		<-c.closed
	}
}
