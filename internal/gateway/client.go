package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	egressBuffer = 32
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 45 * time.Second
	readLimit    = 4096
)

// Client is one live connection. Components never hold it directly; they
// publish to channels and the hub finds the members.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	actorType string
	actorID   string
	egress    chan Event
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(h *Hub, conn *websocket.Conn, actorType, actorID string) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		actorType: actorType,
		actorID:   actorID,
		egress:    make(chan Event, egressBuffer),
		done:      make(chan struct{}),
	}
}

// send queues event without blocking. Returns false when the egress buffer
// is full or the client is closed; the event is dropped.
func (c *Client) send(ev Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.egress <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type inboundEvent struct {
	Type string `json:"type"`
	Data struct {
		RouteName string `json:"route_name"`
	} `json:"data"`
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in inboundEvent
		if err := json.Unmarshal(payload, &in); err != nil {
			c.hub.logger.Debug("bad inbound ws payload", "actor", c.actorID, "error", err)
			continue
		}
		switch in.Type {
		case "subscribe_route":
			if in.Data.RouteName != "" {
				c.hub.Join(c, RouteChannel(in.Data.RouteName))
			}
		case "unsubscribe_route":
			if in.Data.RouteName != "" {
				c.hub.Leave(c, RouteChannel(in.Data.RouteName))
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.unregister(c)
	}()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
