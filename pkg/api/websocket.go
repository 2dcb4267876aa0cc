package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/gateway"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// Hub tracks open order streams so shutdown can close them.
type Hub struct {
	log *zap.SugaredLogger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once

	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("ws_client_connected", "client", client.id, "order_id", client.orderID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.log.Infow("ws_client_disconnected", "client", client.id, "order_id", client.orderID, "total", len(h.clients))
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				client.stream.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Close() { h.closeOnce.Do(func() { close(h.done) }) }

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.stream.Close()
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Client is one WebSocket connection following one order.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	stream  *gateway.Stream
	id      string
	orderID string
	log     *zap.SugaredLogger
}

// readPump only watches for the peer going away; clients send nothing we act on.
func (c *Client) readPump() {
	defer func() {
		c.stream.Close()
		c.hub.remove(c)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}
	}
}

// writePump forwards stream messages until the stream ends, then closes the
// connection with a close frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.stream.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseNormalClosure, "stream complete"
				if err := c.stream.Err(); err != nil {
					code, reason = websocket.CloseTryAgainLater, err.Error()
				}
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.stream.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stream.Close()
				return
			}
		}
	}
}

// handleOrderStream upgrades and attaches the connection to one order's stream.
// The order id comes from the path or the orderId query parameter.
func (s *Server) handleOrderStream(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]
	if orderID == "" {
		orderID = r.URL.Query().Get("orderId")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}
	if orderID == "" {
		closeWithPolicy(conn, "orderId required")
		return
	}

	// the request context ends when this handler returns; the stream outlives it
	stream, err := s.deps.Gateway.Attach(context.WithoutCancel(r.Context()), orderID)
	if err != nil {
		s.log.Infow("ws_attach_rejected", "order_id", orderID, "err", err)
		closeWithPolicy(conn, "order not found")
		return
	}

	client := &Client{
		hub:     s.hub,
		conn:    conn,
		stream:  stream,
		id:      conn.RemoteAddr().String(),
		orderID: orderID,
		log:     s.log,
	}
	s.hub.add(client)

	go client.writePump()
	go client.readPump()
}

func closeWithPolicy(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
	conn.Close()
}
