package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdrrmo/fieldsync/internal/bus"
	"github.com/mdrrmo/fieldsync/internal/logging"
	"github.com/mdrrmo/fieldsync/internal/models"
	"github.com/mdrrmo/fieldsync/internal/uuid"
)

const (
	sendBuffer   = 256
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Envelope wraps every message pushed to a surface. Type is the bus subject.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// clientAction is a message sent by a surface.
type clientAction struct {
	Action   string   `json:"action"`
	Subjects []string `json:"subjects,omitempty"`
}

type outbound struct {
	subject string
	data    []byte
}

// Hub fans bus messages out to websocket surfaces. A surface receives every
// fieldsync subject until it narrows the set with a subscribe action.
type Hub struct {
	bus      bus.MessageBus
	upgrader websocket.Upgrader

	clients    map[string]*wsClient
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	sub bus.Subscription
}

// NewHub creates a hub publishing surface actions on b.
func NewHub(b bus.MessageBus) *Hub {
	h := &Hub{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// localOrigin only admits browsers on the same machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Bridge forwards every fieldsync bus subject to connected surfaces.
func (h *Hub) Bridge(ctx context.Context) error {
	sub, err := h.bus.Subscribe(ctx, bus.SubjectAll, func(msg *bus.Message) {
		h.Broadcast(msg.Subject, msg.Data)
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
	return nil
}

// Broadcast sends data to every surface subscribed to subject.
func (h *Hub) Broadcast(subject string, data []byte) {
	if !json.Valid(data) {
		logging.Warn("Dropping non-JSON bus message", map[string]interface{}{"subject": subject})
		return
	}
	bytes, err := json.Marshal(Envelope{
		Type:      subject,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("Failed to encode websocket envelope", err, nil)
		return
	}
	select {
	case h.broadcast <- outbound{subject: subject, data: bytes}:
	case <-h.done:
	}
}

// Clients returns the number of connected surfaces.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every surface and stops the bridge.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		sub := h.sub
		h.sub = nil
		h.mu.Unlock()
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				logging.Warn("Failed to unsubscribe websocket bridge",
					map[string]interface{}{"error": err.Error()})
			}
		}
		close(h.done)
	})
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Surface connected", map[string]interface{}{"client_id": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Surface disconnected", map[string]interface{}{"client_id": c.id, "total": total})

		case m := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				if !c.wants(m.subject) {
					continue
				}
				if !c.enqueue(m.data) {
					// Send buffer full: drop the surface, it will reconnect.
					delete(h.clients, id)
					c.close()
					logging.Warn("Dropping slow surface", map[string]interface{}{"client_id": id})
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				delete(h.clients, id)
				c.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// ServeWS upgrades the request and attaches the surface to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// wsClient is one connected surface.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu       sync.Mutex
	subjects map[string]bool
	closed   bool
}

func (c *wsClient) wants(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects) == 0 || c.subjects[subject]
}

// enqueue queues msg without blocking and reports whether it fit.
func (c *wsClient) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Websocket read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var act clientAction
		if err := json.Unmarshal(message, &act); err != nil {
			logging.Debug("Invalid surface message", map[string]interface{}{"client_id": c.id})
			continue
		}
		c.handle(act)
	}
}

func (c *wsClient) handle(act clientAction) {
	switch act.Action {
	case "subscribe":
		c.mu.Lock()
		if c.subjects == nil {
			c.subjects = make(map[string]bool)
		}
		for _, s := range act.Subjects {
			c.subjects[s] = true
		}
		c.mu.Unlock()
		c.reply("subscribe_ack", act.Subjects)

	case "unsubscribe":
		c.mu.Lock()
		for _, s := range act.Subjects {
			delete(c.subjects, s)
		}
		c.mu.Unlock()
		c.reply("unsubscribe_ack", act.Subjects)

	case "wake":
		// Surfaces without a bus connection ask the agent to drain.
		err := bus.PublishJSON(context.Background(), c.hub.bus, bus.SubjectWake,
			models.Signal{Type: models.MessageFlushQueue})
		if err != nil {
			logging.Error("Failed to publish wake from surface", err, map[string]interface{}{"client_id": c.id})
		}
		c.reply("wake_ack", nil)

	case "ping":
		c.reply("pong", nil)
	}
}

func (c *wsClient) reply(action string, subjects []string) {
	bytes, _ := json.Marshal(map[string]interface{}{
		"action":    action,
		"subjects":  subjects,
		"timestamp": time.Now().Unix(),
	})
	c.enqueue(bytes)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
