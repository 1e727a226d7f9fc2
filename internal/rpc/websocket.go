package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// WebSocket subscription actions and acknowledgement type.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	EventSubscribed = "subscribed"
)

// WSEvent is a WebSocket event message.
type WSEvent struct {
	Type      string     `json:"type"`
	Swap      *swap.Swap `json:"swap,omitempty"`
	Party     string     `json:"party,omitempty"`
	Error     string     `json:"error,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// WSSubscription is sent by clients to choose the parties whose swaps they
// receive.
type WSSubscription struct {
	Action string `json:"action"`
	Party  string `json:"party"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn    *websocket.Conn
	send    chan []byte
	parties map[string]bool
	mu      sync.RWMutex
	hub     *WSHub
}

func (c *WSClient) wants(parties []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range parties {
		if c.parties[p] {
			return true
		}
	}
	return false
}

type hubMessage struct {
	parties []string
	data    []byte
}

// WSHub manages all WebSocket connections. A client only receives the
// snapshots of swaps naming a party it subscribed to.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan hubMessage
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan hubMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.GetDefault().Component("ws"),
	}
}

// Run starts the hub event loop. It returns after Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("WebSocket client disconnected", "clients", count)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.parties) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow client.
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops a client. Callers hold h.mu.
func (h *WSHub) remove(client *WSClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop closes every client and ends Run.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// BroadcastSwap pushes a coordinator event to the clients subscribed to
// either party of its swap.
func (h *WSHub) BroadcastSwap(event swap.SwapEvent) {
	if event.Swap == nil {
		return
	}
	ev := &WSEvent{
		Type:      event.EventType,
		Swap:      event.Swap,
		Timestamp: event.Timestamp.Unix(),
	}
	if event.Err != nil {
		ev.Error = event.Err.Error()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("Failed to marshal event", "error", err)
		return
	}

	parties := []string{event.Swap.SecretHolder().ID, event.Swap.SecretSeeker().ID}
	select {
	case h.broadcast <- hubMessage{parties: parties, data: data}:
	case <-h.done:
	default:
		h.log.Warn("Broadcast channel full, dropping event", "type", event.EventType, "swap_id", event.SwapID)
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		parties: make(map[string]bool),
		hub:     s.wsHub,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err != nil || sub.Party == "" {
			continue
		}
		c.handleSubscription(&sub)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleSubscription updates the client's parties and acknowledges it.
func (c *WSClient) handleSubscription(sub *WSSubscription) {
	c.mu.Lock()
	switch sub.Action {
	case ActionSubscribe:
		c.parties[sub.Party] = true
	case ActionUnsubscribe:
		delete(c.parties, sub.Party)
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if sub.Action != ActionSubscribe {
		return
	}
	ack, _ := json.Marshal(&WSEvent{Type: EventSubscribed, Party: sub.Party, Timestamp: time.Now().Unix()})

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- ack:
	default:
	}
}
