package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/brickdex/pkg/app/core/order"
)

// Channel prefixes clients can subscribe to, followed by an address.
const (
	ChannelTrades = "trades" // trades:<propertyToken>
	ChannelOrders = "orders" // orders:<maker>
	ChannelMarket = "market" // market:<propertyToken>
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

// channelName builds the canonical name of an address channel
func channelName(prefix string, addr common.Address) string {
	return prefix + ":" + addr.Hex()
}

// canonicalChannel normalizes the address part of a channel so that
// subscriptions are case-insensitive. Unknown channels are rejected.
func canonicalChannel(ch string) (string, bool) {
	prefix, addr, ok := strings.Cut(strings.TrimSpace(ch), ":")
	if !ok || !common.IsHexAddress(addr) {
		return "", false
	}
	switch prefix {
	case ChannelTrades, ChannelOrders, ChannelMarket:
		return channelName(prefix, common.HexToAddress(addr)), true
	default:
		return "", false
	}
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Mutex for thread-safe access
	mu sync.RWMutex

	logger *zap.SugaredLogger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger,
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugw("ws_client_connected", "client", c.id, "total", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debugw("ws_client_disconnected", "client", c.id, "total", len(h.clients))
	}
}

// Run blocks until ctx is done, then disconnects every client
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// Len is the number of connected clients
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel, msgType string, data interface{}) {
	message, err := json.Marshal(WSMessage{Type: msgType, Channel: channel, Data: data})
	if err != nil {
		h.logger.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.IsSubscribed(channel) {
			select {
			case client.send <- message:
			default:
				// Buffer full, skip this client
			}
		}
	}
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	// Subscribed channels
	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// Subscribe adds a channel subscription
func (c *Client) Subscribe(channel string) bool {
	ch, ok := canonicalChannel(channel)
	if !ok {
		return false
	}
	c.subsMu.Lock()
	c.subscriptions[ch] = true
	c.subsMu.Unlock()
	return true
}

// Unsubscribe removes a channel subscription
func (c *Client) Unsubscribe(channel string) {
	ch, ok := canonicalChannel(channel)
	if !ok {
		return
	}
	c.subsMu.Lock()
	delete(c.subscriptions, ch)
	c.subsMu.Unlock()
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			break
		}

		// Handle subscription requests
		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}

		switch req.Op {
		case "subscribe":
			var accepted []string
			for _, channel := range req.Channels {
				if c.Subscribe(channel) {
					ch, _ := canonicalChannel(channel)
					accepted = append(accepted, ch)
				}
			}
			c.reply("subscribed", accepted)
		case "unsubscribe":
			for _, channel := range req.Channels {
				c.Unsubscribe(channel)
			}
			c.reply("unsubscribed", req.Channels)
		default:
			c.reply("error", "unknown op: "+req.Op)
		}
	}
}

// reply sends a control message to this client only
func (c *Client) reply(msgType string, data interface{}) {
	message, err := json.Marshal(WSMessage{Type: msgType, Data: data})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON message per frame
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

// handleWebSocket handles WebSocket upgrade and client lifecycle
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, 256),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}

	client.hub.add(client)

	// Start read and write pumps in separate goroutines
	go client.writePump()
	go client.readPump()
}

// ==============================
// Exchange event push
// ==============================

// OnOrder pushes an order change to its maker's channel
func (s *Server) OnOrder(so *order.SignedOrder) {
	s.hub.BroadcastToChannel(channelName(ChannelOrders, so.Order.Maker), "order", s.orderInfo(so))
}

// OnTrade pushes a trade change and, once settled, a fresh market rollup
func (s *Server) OnTrade(t *order.Trade) {
	s.hub.BroadcastToChannel(channelName(ChannelTrades, t.PropertyToken), "trade", s.tradeInfo(t))

	l, err := s.app.Listing(t.PropertyToken)
	if err != nil {
		return
	}
	md, err := s.app.MarketData(context.Background(), t.PropertyToken)
	if err != nil {
		s.logger.Warnw("marketdata_push_failed", "property_token", t.PropertyToken.Hex(), "err", err)
		return
	}
	s.hub.BroadcastToChannel(channelName(ChannelMarket, t.PropertyToken), "market", marketDataInfo(l, md))
}
