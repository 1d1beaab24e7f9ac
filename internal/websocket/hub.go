// Package websocket pushes license status changes to connected
// clients. The hub owns the client set; the license manager feeds it
// through BroadcastLicenseStatus, registered as an OnChange listener.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"computehub/internal/infrastructure"
	"computehub/internal/license"
)

// Message types sent to clients.
const (
	// TypeConnection greets a newly registered client and carries the
	// current license status so the UI renders without a round trip.
	TypeConnection = "connection"

	// TypeLicenseStatus announces every entitlement change.
	TypeLicenseStatus = "license_status"
)

// broadcastBuffer bounds the fan-out queue. The manager's OnChange
// listeners must not block, so enqueueing never does either: when the
// buffer is full the event is dropped and the next status change
// supersedes it.
const broadcastBuffer = 64

// Hub maintains the set of active clients and fans license status
// events out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *HubMetrics

	// status supplies the snapshot included in the greeting message.
	status func() license.StatusView

	quit    chan struct{}
	running bool
}

// NewHub creates an idle hub; call Start to run it.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
	}
}

// WithMetrics attaches the otel instruments.
func (h *Hub) WithMetrics(m *HubMetrics) *Hub {
	h.metrics = m
	return h
}

// WithStatusSource sets the snapshot function used in the greeting
// message sent to newly connected clients.
func (h *Hub) WithStatusSource(fn func() license.StatusView) *Hub {
	h.status = fn
	return h
}

// Start launches the hub loop. Calling Start on a running hub is a
// no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.Run()
}

// Run is the hub loop. Start runs it in its own goroutine; tests may
// call it directly.
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("websocket hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()

			ctx := h.clientContext(client)
			h.logger.InfoContext(ctx, "websocket client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))
			h.metrics.RecordConnection(ctx)

			h.greet(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; !ok {
				h.mu.Unlock()
				continue
			}
			delete(h.clients, client)
			close(client.send)
			count := len(h.clients)
			h.mu.Unlock()

			ctx := h.clientContext(client)
			h.logger.InfoContext(ctx, "websocket client unregistered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)))
			h.metrics.RecordDisconnection(ctx, time.Since(client.connectedAt))

		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

// deliver fans message out to every client, evicting clients whose
// send buffer is full rather than blocking the loop on them.
func (h *Hub) deliver(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var delivered, dropped int64
	for _, client := range clients {
		select {
		case client.send <- message:
			delivered++
		default:
			h.mu.Lock()
			delete(h.clients, client)
			close(client.send)
			h.mu.Unlock()
			dropped++

			ctx := h.clientContext(client)
			h.logger.WarnContext(ctx, "websocket client send buffer full, disconnecting",
				slog.String("client_id", client.id))
			h.metrics.RecordDroppedClient(ctx)
			h.metrics.RecordDisconnection(ctx, time.Since(client.connectedAt))
		}
	}

	h.metrics.RecordMessagesSent(context.Background(), delivered)
	if dropped > 0 {
		h.logger.Warn("broadcast did not reach every client",
			slog.Int64("delivered", delivered),
			slog.Int64("dropped", dropped))
	}
}

// greet sends the connection message, including the current license
// status when a source is wired.
func (h *Hub) greet(ctx context.Context, client *Client) {
	data := map[string]interface{}{
		"status":    "connected",
		"client_id": client.id,
	}
	if h.status != nil {
		data["license"] = h.status()
	}

	message := map[string]interface{}{
		"type":      TypeConnection,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if client.traceID != "" {
		message["trace_id"] = client.traceID
	}

	encoded, err := json.Marshal(message)
	if err != nil {
		h.logger.ErrorContext(ctx, "encode connection message", slog.String("error", err.Error()))
		return
	}

	select {
	case client.send <- encoded:
	default:
		h.logger.WarnContext(ctx, "connection message dropped, client buffer full",
			slog.String("client_id", client.id))
	}
}

// BroadcastLicenseStatus queues a license_status event for every
// client. It never blocks: the license manager calls it from its
// OnChange listener.
func (h *Hub) BroadcastLicenseStatus(view license.StatusView) {
	h.broadcastJSON(map[string]interface{}{
		"type":      TypeLicenseStatus,
		"data":      view,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Hub) broadcastJSON(message map[string]interface{}) {
	encoded, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("encode broadcast message",
			slog.String("error", err.Error()),
			slog.Any("message_type", message["type"]))
		return
	}

	select {
	case h.broadcast <- encoded:
	default:
		h.logger.Warn("broadcast queue full, dropping event",
			slog.Any("message_type", message["type"]))
	}
}

// Register hands a client to the hub loop. On a stopped hub it is a
// no-op so upgrade handlers racing shutdown do not hang.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client from the hub loop.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop shuts the hub down and closes every client connection.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) clientContext(client *Client) context.Context {
	ctx := context.Background()
	if client.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, client.traceID)
	}
	return ctx
}
