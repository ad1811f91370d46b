// Package realtime pushes order channel changes to WebSocket clients.
//
// Clients subscribe to one order. Every event passes the access gate
// again on delivery: mod-only messages reach only privileged clients, and
// a client that lost eligibility (e.g. a reassigned moderator) is
// disconnected. Events travel between instances through a Broker.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/escrowchat/internal/access"
	"github.com/mbd888/escrowchat/internal/auth"
	"github.com/mbd888/escrowchat/internal/dispute"
	"github.com/mbd888/escrowchat/internal/message"
	"github.com/mbd888/escrowchat/internal/metrics"
	"github.com/mbd888/escrowchat/internal/order"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// OrderReader resolves the order a client subscribes to.
type OrderReader interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Client is one WebSocket subscription to an order channel.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	actor *auth.Actor
	order *order.Order
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[string]map[*Client]bool // by order id
	inbound    chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	broker     Broker
	orders     OrderReader
	disputes   dispute.Reader
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(broker Broker, orders OrderReader, disputes dispute.Reader, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		inbound:    make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broker:     broker,
		orders:     orders,
		disputes:   disputes,
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop and its broker subscription.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	go h.subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for orderID, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, orderID)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.order.ID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.order.ID] = set
			}
			set[client] = true
			h.totalClients.Add(1)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(h.count()))
			h.logger.Debug("client subscribed", "order_id", client.order.ID, "actor_id", client.actor.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(h.count()))

		case event := <-h.inbound:
			h.totalEvents.Add(1)
			h.fanout(event)
		}
	}
}

// subscribe keeps the broker subscription alive until ctx ends.
func (h *Hub) subscribe(ctx context.Context) {
	for {
		err := h.broker.Subscribe(ctx, h.enqueue)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("realtime broker subscription ended, resubscribing", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (h *Hub) enqueue(e *Event) {
	select {
	case h.inbound <- e:
	default:
		metrics.RealtimeFanoutTotal.WithLabelValues("dropped").Inc()
		h.logger.Warn("realtime inbound queue full, dropping event", "order_id", e.OrderID)
	}
}

// fanout delivers e to the order's clients that may see it.
func (h *Hub) fanout(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode realtime event", "error", err)
		return
	}

	var evict []*Client
	h.mu.RLock()
	for client := range h.clients[e.OrderID] {
		switch h.decide(client, e) {
		case outcomeEvict:
			evict = append(evict, client)
			continue
		case outcomeFiltered:
			metrics.RealtimeFanoutTotal.WithLabelValues("filtered").Inc()
			continue
		}
		select {
		case client.send <- payload:
			metrics.RealtimeFanoutTotal.WithLabelValues("sent").Inc()
		default:
			metrics.RealtimeFanoutTotal.WithLabelValues("dropped").Inc()
			evict = append(evict, client)
		}
	}
	h.mu.RUnlock()

	// Remove slow or no-longer-eligible clients under write lock
	if len(evict) > 0 {
		h.mu.Lock()
		for _, client := range evict {
			h.remove(client)
		}
		h.mu.Unlock()
		metrics.ActiveWebSocketClients.Set(float64(h.count()))
	}
}

type outcome int

const (
	outcomeSend outcome = iota
	outcomeFiltered
	outcomeEvict
)

// decide gates one event for one client. e.Dispute is the channel's
// latest dispute; mod-only notes written under any other stay hidden.
func (h *Hub) decide(c *Client, e *Event) outcome {
	if !access.CanRead(c.actor, c.order, e.Dispute) {
		return outcomeEvict
	}
	if e.Message != nil && !access.Visible(c.actor, e.Dispute, e.Message) {
		return outcomeFiltered
	}
	return outcomeSend
}

// Caller must hold h.mu.
func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.order.ID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.order.ID)
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// PublishMessage announces a stored message. Failures are logged; clients
// catch up on their next fetch.
func (h *Hub) PublishMessage(ctx context.Context, m *message.Message) {
	d, err := h.disputes.LatestForOrder(ctx, m.OrderID)
	if err != nil && !errors.Is(err, dispute.ErrDisputeNotFound) {
		h.logger.Warn("realtime publish skipped: dispute lookup failed", "order_id", m.OrderID, "error", err)
		return
	}
	h.publish(ctx, &Event{Type: EventMessage, OrderID: m.OrderID, Timestamp: time.Now().UTC(), Message: m, Dispute: d})
}

// PublishDispute announces a dispute change on its order channel.
func (h *Hub) PublishDispute(ctx context.Context, d *dispute.Dispute) {
	h.publish(ctx, &Event{Type: EventDispute, OrderID: d.OrderID, Timestamp: time.Now().UTC(), Dispute: d})
}

func (h *Hub) publish(ctx context.Context, e *Event) {
	if err := h.broker.Publish(context.WithoutCancel(ctx), e); err != nil {
		metrics.RealtimeFanoutTotal.WithLabelValues("publish_failed").Inc()
		h.logger.Warn("realtime publish failed", "order_id", e.OrderID, "type", e.Type, "error", err)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	orders := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.count(),
		"orders":           orders,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// RegisterProtectedRoutes mounts the stream endpoint.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:orderId/stream", h.HandleStream)
}

// HandleStream handles GET /v1/orders/:orderId/stream. The read gate runs
// before the upgrade so refusals are plain HTTP errors.
func (h *Hub) HandleStream(c *gin.Context) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	ctx := c.Request.Context()
	actor, _ := auth.GetActor(c)
	o, err := h.orders.Get(ctx, c.Param("orderId"))
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	d, err := h.disputes.LatestForOrder(ctx, o.ID)
	if err != nil && !errors.Is(err, dispute.ErrDisputeNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	if err := access.CheckRead(actor, o, d); err != nil {
		if errors.Is(err, access.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Session required"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		return
	}

	if h.count() >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 64),
		actor: actor,
		order: o,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection; clients only send pings and close frames.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

var (
	_ message.Publisher = (*Hub)(nil)
	_ dispute.Publisher = (*Hub)(nil)
)
