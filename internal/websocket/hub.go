// Package websocket streams scan lifecycle events to live observers.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nkropf/datapatrol/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The daemon has no auth layer; origin policy belongs to the
		// reverse proxy in front of it.
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 256
)

// Client represents one connected WebSocket observer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans broadcaster events out to WebSocket clients. A client whose
// send buffer fills up is disconnected rather than allowed to apply
// backpressure to the event pipeline.
type Hub struct {
	broadcaster *notify.Broadcaster
	clients     map[*Client]bool
	register    chan *Client
	unregister  chan *Client
}

// NewHub creates a hub fed by the given broadcaster.
func NewHub(broadcaster *notify.Broadcaster) *Hub {
	return &Hub{
		broadcaster: broadcaster,
		clients:     make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
	}
}

// Run subscribes to the broadcaster and serves clients until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	subID, events := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal event")
				continue
			}
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Slow client: cut it loose instead of stalling the hub.
					delete(h.clients, client)
					close(client.send)
					log.Warn().Str("client", client.id).Msg("WebSocket client too slow, dropping")
				}
			}
		}
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket observer.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, clientSendSize),
		id:   uuid.NewString(),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards client messages and watches for disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

// writePump pushes queued events and keepalive pings to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
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

			// Flush anything else already queued.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
