package trade

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/vtrade/trading-engine/internal/metrics"
	"github.com/vtrade/trading-engine/internal/settlement"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price,omitempty"`
	NetPL     string `json:"netProfitLoss,omitempty"`
	Balance   string `json:"balance"`
	Timestamp string `json:"timestamp"`
}

type wsEnvelope struct {
	userID string
	data   []byte
}

// wsClient is one connection. Only its write pump writes to conn.
type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// WSHub manages WebSocket connections and delivers each user's order
// events to that user's connections.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan wsEnvelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsEnvelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
// It returns after Close.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "user", c.userID, "total", n)

		case c := <-h.unregister:
			h.remove(c)

		case env := <-h.broadcast:
			h.mu.RLock()
			var slow []*wsClient
			for c := range h.clients {
				if c.userID != env.userID {
					continue
				}
				select {
				case c.send <- env.data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.remove(c)
			}

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Close stops Run and disconnects every client.
func (h *WSHub) Close() {
	close(h.done)
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements settlement.Notifier.
func (h *WSHub) Publish(ev settlement.Event) {
	o := ev.Order
	msg := WSMessage{
		Type:      string(ev.Type),
		UserID:    ev.UserID,
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Action:    string(o.Action),
		Status:    string(o.Status),
		Quantity:  o.Quantity.String(),
		Balance:   ev.Balance.String(),
		Timestamp: ev.At.UTC().Format(time.RFC3339Nano),
	}
	switch ev.Type {
	case settlement.EventOrderFilled, settlement.EventOrderOpened:
		msg.Price = o.EntryPrice.String()
	case settlement.EventOrderClosed:
		msg.Price = o.ExitPrice.String()
		msg.NetPL = o.NetProfitLoss.String()
	}
	h.Broadcast(msg)
}

// Broadcast sends a message to the connections of msg.UserID.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- wsEnvelope{userID: msg.UserID, data: data}:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The user
// is taken from the X-User-ID header or the userId query parameter.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	if userID == "" {
		writeError(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, userID: userID, send: make(chan []byte, 64)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.readPump(c)
	go c.writePump()
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued messages and pings through proxies.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
