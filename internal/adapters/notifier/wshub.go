package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cryptobroker/internal/domain"
	"cryptobroker/internal/ports"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// event is the JSON envelope pushed to websocket clients.
type event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

type transactionPayload struct {
	Reference   string `json:"reference"`
	UserID      int64  `json:"user_id"`
	Type        string `json:"type"`
	Asset       string `json:"asset,omitempty"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
	TotalAmount string `json:"total_amount"`
	FiatAmount  string `json:"fiat_amount"`
	Status      string `json:"status"`
}

type orderPayload struct {
	OrderID        int64  `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	UserID         int64  `json:"user_id"`
	Type           string `json:"type"`
	Side           string `json:"side"`
	Asset          string `json:"asset"`
	Quantity       string `json:"quantity"`
	FilledQuantity string `json:"filled_quantity"`
	AvgFilledPrice string `json:"avg_filled_price"`
	Status         string `json:"status"`
}

type quotePayload struct {
	Symbol       string `json:"symbol"`
	Price        string `json:"price"`
	ChangePct24h string `json:"change_pct_24h"`
	Volume24h    string `json:"volume_24h"`
}

// WSHub broadcasts events to connected websocket clients. A client that
// cannot keep up with the broadcast rate is dropped rather than slowing
// the producers down.
type WSHub struct {
	upgrader websocket.Upgrader
	logger   ports.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates an empty hub. Register its Handler on an HTTP mux and
// pass the hub wherever a ports.Notifier is needed.
func NewWSHub(logger ports.Logger) *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Handler upgrades an HTTP request to a websocket subscription.
func (h *WSHub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(r.Context(), "Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Info(r.Context(), "Websocket client connected", map[string]interface{}{
		"remote_addr": conn.RemoteAddr().String(),
	})

	go h.writeLoop(client)
	go h.readLoop(client)
}

// readLoop drains inbound frames so control messages are processed and a
// closed peer is detected promptly. Clients only listen; payloads are
// discarded.
func (h *WSHub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// ClientCount returns the number of connected subscribers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new subscriptions.
func (h *WSHub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *WSHub) broadcast(ctx context.Context, ev event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error(ctx, err, "Could not marshal event", map[string]interface{}{
			"type": ev.Type,
		})
		return
	}

	var slow []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn(ctx, "Dropping slow websocket client", map[string]interface{}{
			"remote_addr": c.conn.RemoteAddr().String(),
		})
		h.remove(c)
	}
}

// TransactionCompleted broadcasts a completed transaction.
func (h *WSHub) TransactionCompleted(ctx context.Context, tx *domain.Transaction) {
	if tx == nil {
		return
	}
	h.broadcast(ctx, event{
		Type: "transaction.completed",
		Time: time.Now().UTC(),
		Data: transactionPayload{
			Reference:   tx.Reference,
			UserID:      tx.UserID,
			Type:        string(tx.Type),
			Asset:       string(tx.Asset),
			Quantity:    tx.Quantity.String(),
			Price:       tx.PricePerUnit.String(),
			TotalAmount: tx.TotalAmount.String(),
			FiatAmount:  tx.FiatAmount.String(),
			Status:      string(tx.Status),
		},
	})
}

// OrderUpdated broadcasts an order state change.
func (h *WSHub) OrderUpdated(ctx context.Context, order *domain.Order) {
	if order == nil {
		return
	}
	h.broadcast(ctx, event{
		Type: "order.updated",
		Time: time.Now().UTC(),
		Data: orderPayload{
			OrderID:        order.ID,
			ClientOrderID:  order.ClientOrderID,
			UserID:         order.UserID,
			Type:           string(order.Type),
			Side:           string(order.Side),
			Asset:          string(order.Asset),
			Quantity:       order.Quantity.String(),
			FilledQuantity: order.FilledQuantity.String(),
			AvgFilledPrice: order.AvgFilledPrice.String(),
			Status:         string(order.Status),
		},
	})
}

// PriceTick broadcasts refreshed quotes.
func (h *WSHub) PriceTick(ctx context.Context, quotes []ports.Quote) {
	if len(quotes) == 0 {
		return
	}
	payload := make([]quotePayload, 0, len(quotes))
	for _, q := range quotes {
		payload = append(payload, quotePayload{
			Symbol:       string(q.Symbol),
			Price:        q.Price.String(),
			ChangePct24h: q.ChangePct24h.String(),
			Volume24h:    q.Volume24h.String(),
		})
	}
	h.broadcast(ctx, event{Type: "price.tick", Time: time.Now().UTC(), Data: payload})
}

// FanOut forwards every event to each wrapped notifier in order. It lets
// the log sink and the websocket hub receive the same stream.
type FanOut struct {
	sinks []ports.Notifier
}

// NewFanOut composes notifiers into one.
func NewFanOut(sinks ...ports.Notifier) *FanOut {
	return &FanOut{sinks: sinks}
}

func (f *FanOut) TransactionCompleted(ctx context.Context, tx *domain.Transaction) {
	for _, s := range f.sinks {
		s.TransactionCompleted(ctx, tx)
	}
}

func (f *FanOut) OrderUpdated(ctx context.Context, order *domain.Order) {
	for _, s := range f.sinks {
		s.OrderUpdated(ctx, order)
	}
}

func (f *FanOut) PriceTick(ctx context.Context, quotes []ports.Quote) {
	for _, s := range f.sinks {
		s.PriceTick(ctx, quotes)
	}
}
