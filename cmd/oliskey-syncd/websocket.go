package main

import (
	"encoding/json"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Oliskey-School/offline-sync/internal/bus"
	"github.com/Oliskey-School/offline-sync/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local UI clients only.
		host := r.Host
		return strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1")
	},
}

// wsEnvelope wraps every message pushed to UI clients.
type wsEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// wsClient is one connected UI client.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *wsHub
}

// wsHub fans bus events out to connected UI clients so dashboards can
// reflect connectivity and sync progress live.
type wsHub struct {
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         stdsync.RWMutex
}

func newWSHub() *wsHub {
	hub := &wsHub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
	go hub.run()
	return hub
}

func (h *wsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("ws client connected", map[string]interface{}{"client": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop it rather than stall the hub.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast pushes one typed event to every connected client.
func (h *wsHub) Broadcast(eventType string, data interface{}) {
	payload, err := json.Marshal(wsEnvelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Error("ws marshal failed", err)
		return
	}
	h.broadcast <- payload
}

// BridgeBus relays the sync core's event bus onto the websocket so UI
// clients observe the same lifecycle the engine publishes internally.
// Returns an unsubscribe function for shutdown.
func (h *wsHub) BridgeBus(events *bus.Bus) func() {
	relay := func(eventType string) func(interface{}) {
		return func(data interface{}) {
			if err, ok := data.(error); ok {
				data = map[string]interface{}{"error": err.Error()}
			}
			h.Broadcast(eventType, data)
		}
	}

	unsubs := []func(){
		events.Subscribe(bus.EventOnline, relay("network.online")),
		events.Subscribe(bus.EventOffline, relay("network.offline")),
		events.Subscribe(bus.EventNetworkStateChange, relay("network.state")),
		events.Subscribe(bus.EventSyncStart, relay("sync.started")),
		events.Subscribe(bus.EventSyncComplete, relay("sync.completed")),
		events.Subscribe(bus.EventSyncError, relay("sync.failed")),
		events.Subscribe(bus.EventSyncStateChange, relay("sync.state")),
		events.Subscribe(bus.EventRecordChange, relay("record.changed")),
		events.Subscribe(bus.EventHydrationProgress, relay("hydration.progress")),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The push stream is one-way; inbound frames only refresh deadlines.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("ws read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
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

// handleWebSocket upgrades the connection and starts the pumps.
func handleWebSocket(hub *wsHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("ws upgrade failed", err)
			return
		}

		client := &wsClient{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
