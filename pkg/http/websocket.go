package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"meetbot-server/pkg/meeting"
)

// Event is one UI push message.
type Event struct {
	Type       string                   `json:"type"`
	Meetings   []meeting.Record         `json:"meetings,omitempty"`
	AutoManage *bool                    `json:"auto_manage,omitempty"`
	Entry      *meeting.TranscriptEntry `json:"entry,omitempty"`
	Timestamp  time.Time                `json:"timestamp"`
}

const (
	// EventMeetingsChanged carries the full meeting snapshot.
	EventMeetingsChanged = "meetings_changed"
	// EventTranscript carries one transcript entry.
	EventTranscript = "transcript"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one connected UI.
type wsClient struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
}

// EventHub fans server events out to every connected UI client. Slow
// clients are dropped rather than allowed to stall the rest.
type EventHub struct {
	logger     *logrus.Logger
	clients    map[*wsClient]bool
	broadcast  chan *Event
	register   chan *wsClient
	unregister chan *wsClient

	mutex   sync.RWMutex
	running bool
}

// NewEventHub creates a hub; Run starts it.
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger:     logger,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan *Event, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run processes registrations and broadcasts until the context ends.
func (h *EventHub) Run(ctx context.Context) {
	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()
	h.logger.Info("WebSocket event hub started")

	defer func() {
		h.mutex.Lock()
		h.running = false
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
		h.mutex.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket event hub shutting down")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("clients", n).Debug("UI client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal UI event")
				continue
			}
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("Dropping slow UI client")
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Broadcast queues an event for every client. It never blocks the caller.
func (h *EventHub) Broadcast(event *Event) {
	h.mutex.RLock()
	running := h.running
	h.mutex.RUnlock()
	if !running {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Event hub backlogged, dropping event")
	}
}

// ServeWs upgrades one HTTP request to a websocket client.
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 64)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// readPump discards inbound messages; its job is noticing disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
