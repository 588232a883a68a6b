package chat

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultSendBuffer = 64

// Frame is the envelope of every websocket message in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Client is one open websocket connection. The gateway drains Outbound and stops once Done is
// closed.
type Client struct {
	userID uuid.UUID
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewClient(userID uuid.UUID, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Client{
		userID: userID,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) UserID() uuid.UUID { return c.userID }

func (c *Client) Outbound() <-chan []byte { return c.send }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks. A client whose buffer is full is too slow to keep and gets closed.
func (c *Client) enqueue(raw []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.Close()
		return false
	}
}

// Hub fans frames out to every connection of a user.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]struct{}
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]struct{}),
		log:     log,
	}
}

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	c.Close()
}

// Connections reports how many sockets a user has open on this node.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Emit(userID uuid.UUID, event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, event, raw)
}

func (h *Hub) Broadcast(event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, set := range h.clients {
		for c := range set {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, event, raw)
}

// Reply sends a frame to a single connection.
func (h *Hub) Reply(c *Client, event string, data any) {
	raw, ok := h.encode(event, data)
	if !ok {
		return
	}
	h.deliver([]*Client{c}, event, raw)
}

func (h *Hub) deliver(targets []*Client, event string, raw []byte) {
	for _, c := range targets {
		if !c.enqueue(raw) {
			h.log.Warn("drop slow chat client", zap.String("user_id", c.userID.String()), zap.String("event", event))
		}
	}
}

func (h *Hub) encode(event string, data any) ([]byte, bool) {
	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		h.log.Error("encode chat frame", zap.String("event", event), zap.Error(err))
		return nil, false
	}
	return raw, true
}
