package web

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SpectatorEvent is one presentation effect fanned out to a session's
// spectators: scene changes, displayed segments, choices, stream tokens.
type SpectatorEvent struct {
	SessionID string      `json:"-"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Time      int64       `json:"time"`
}

// Client is one spectator WebSocket connection.
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
	Hub       *SpectatorHub
	mu        sync.Mutex
	closed    bool
}

// SpectatorHub fans presentation events out to the WebSocket spectators
// of each session.
type SpectatorHub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan SpectatorEvent
	mu         sync.RWMutex
}

// NewSpectatorHub creates an empty hub.
func NewSpectatorHub() *SpectatorHub {
	return &SpectatorHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan SpectatorEvent, 1000),
	}
}

// Run starts the hub's event loop.
func (h *SpectatorHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *SpectatorHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	log.Printf("[Hub] spectator connected: %s on %s (total: %d)", client.ID, client.SessionID, len(h.clients))

	go client.writePump()
}

func (h *SpectatorHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
		log.Printf("[Hub] spectator disconnected: %s (total: %d)", client.ID, len(h.clients))
	}
}

func (h *SpectatorHub) broadcastEvent(event SpectatorEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	event.Time = time.Now().Unix()
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Hub] failed to marshal event: %v", err)
		return
	}

	for _, client := range h.clients {
		if client.SessionID != event.SessionID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// Slow spectator; drop rather than stall the turn.
			log.Printf("[Hub] spectator send buffer full: %s", client.ID)
		}
	}
}

// Broadcast queues an event for the session's spectators.
func (h *SpectatorHub) Broadcast(event SpectatorEvent) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[Hub] broadcast channel full, dropping event")
	}
}

// ClientCount returns the number of connected spectators.
func (h *SpectatorHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			if !ok {
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Client] error writing to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump drains the connection so pings and close frames are handled;
// spectators never send game input.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Client] unexpected close from %s: %v", c.ID, err)
			}
			break
		}
	}
}
