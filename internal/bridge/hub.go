package bridge

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/attendsync/internal/logging"
	scansync "github.com/kimhsiao/attendsync/internal/sync"
	"github.com/kimhsiao/attendsync/internal/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin accepts non-browser clients and pages served from this host.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every message pushed to UI clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type outbound struct {
	eventType string
	payload   []byte
}

// wsClient is one connected UI screen.
type wsClient struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	mu            sync.Mutex
	send          chan []byte
	closed        bool
	subscriptions map[string]bool
}

// Hub fans orchestrator events out to connected WebSocket clients. It
// implements sync.SyncEventHandler.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan outbound
	register   chan *wsClient
	unregister chan *wsClient
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its dispatch loop. Call Stop to end it.
func NewHub() *Hub {
	hub := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan outbound, sendBufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go hub.run()
	return hub
}

// run owns client registration and delivery.
func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Bridge client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Bridge client disconnected", map[string]interface{}{"client": client.id, "total": total})

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				if !client.enqueue(msg.payload) {
					// Slow client, its buffer is full.
					client.close()
					delete(h.clients, id)
					logging.Warn("Dropped slow bridge client", map[string]interface{}{"client": id})
				}
			}
			h.mu.Unlock()

		case <-h.stopCh:
			h.mu.Lock()
			for id, client := range h.clients {
				client.close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects every client and ends the dispatch loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues a message for every subscribed client. It never blocks;
// messages are dropped when the hub is stopped or saturated.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	payload, err := marshalEnvelope(eventType, data)
	if err != nil {
		logging.Error("Failed to marshal bridge message", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.doneCh:
		return
	default:
	}

	select {
	case h.broadcast <- outbound{eventType: eventType, payload: payload}:
	default:
		logging.Warn("Bridge broadcast buffer full, event dropped", map[string]interface{}{"type": eventType})
	}
}

// OnSyncEvent implements sync.SyncEventHandler.
func (h *Hub) OnSyncEvent(event scansync.SyncEvent) {
	h.Broadcast(string(event.Type), event.Data)
}

func marshalEnvelope(eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ServeWS upgrades the request and attaches the client. initial, when not
// nil, is delivered before any broadcast.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial *Envelope) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		hub:           h,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[string]bool),
	}

	if initial != nil {
		if payload, err := marshalEnvelope(initial.Type, initial.Data); err == nil {
			client.enqueue(payload)
		}
	}

	select {
	case h.register <- client:
	case <-h.doneCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// wants reports whether the client subscribed to eventType. A client with
// no subscriptions receives everything.
func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[eventType]
}

func (c *wsClient) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
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

// clientMessage is what UI clients may send.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events,omitempty"`
}

// readPump handles subscribe, unsubscribe and ping messages.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.doneCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("WebSocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch strings.ToLower(msg.Action) {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply("subscribe_ack", msg.Events)

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply("unsubscribe_ack", msg.Events)

		case "ping":
			c.reply("pong", nil)
		}
	}
}

func (c *wsClient) reply(action string, events []string) {
	payload, err := json.Marshal(map[string]interface{}{
		"action":    action,
		"events":    events,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// writePump delivers queued messages and keeps the connection alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
