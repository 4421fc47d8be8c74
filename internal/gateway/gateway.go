package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/campus-transit/internal/observability"
)

// Event is the envelope for everything pushed over a channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event envelope.
func NewEvent(kind string, payload any) Event {
	b, _ := json.Marshal(payload)
	return Event{Type: kind, Data: b}
}

// Publisher is the fan-out contract the coordination components depend on.
// Delivery is best-effort per subscriber; failures never reach the caller.
type Publisher interface {
	Publish(channel string, event Event)
}

const ChannelAdmin = "admin"

func RouteChannel(route string) string { return "route:" + route }

func DriverChannel(driverID string) string { return "driver:" + driverID }

func RiderChannel(riderID string) string { return "rider:" + riderID }

// ActorChannel is the private channel for an actor. Admins share the admin
// broadcast channel.
func ActorChannel(actorType, actorID string) string {
	switch actorType {
	case "driver":
		return DriverChannel(actorID)
	case "admin":
		return ChannelAdmin
	default:
		return RiderChannel(actorID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub owns channel membership. Membership is in-memory and process-scoped;
// it is torn down the moment a connection closes.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Client]struct{}
	members  map[*Client]map[string]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Client]struct{}),
		members:  make(map[*Client]map[string]struct{}),
		logger:   logger,
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
// Every actor is auto-joined to its private channel.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actorType, actorID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn, actorType, actorID)
	h.register(c)
	h.Join(c, ActorChannel(actorType, actorID))
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.members[c] = make(map[string]struct{})
	h.mu.Unlock()
	observability.WSConnections.Inc()
}

// unregister removes the client from every channel it joined.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	chans, ok := h.members[c]
	if ok {
		for name := range chans {
			h.removeFromChannel(c, name)
		}
		delete(h.members, c)
	}
	h.mu.Unlock()
	if ok {
		c.close()
		observability.WSConnections.Dec()
	}
}

func (h *Hub) Join(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans, ok := h.members[c]
	if !ok {
		return // already gone
	}
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.channels[channel] = subs
	}
	subs[c] = struct{}{}
	chans[channel] = struct{}{}
}

func (h *Hub) Leave(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if chans, ok := h.members[c]; ok {
		delete(chans, channel)
	}
	h.removeFromChannel(c, channel)
}

// removeFromChannel requires h.mu held.
func (h *Hub) removeFromChannel(c *Client, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Publish delivers event to every open subscriber of channel. A slow or
// gone subscriber is skipped, never waited on.
func (h *Hub) Publish(channel string, event Event) {
	h.mu.RLock()
	subs := make([]*Client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if !c.send(event) {
			observability.FanoutDropped.Inc()
		}
	}
}
