package websocket

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// HubMetrics holds the websocket instruments. All recording methods
// are nil-receiver safe so the hub can run without telemetry.
type HubMetrics struct {
	Connections        metric.Int64Counter
	Disconnections     metric.Int64Counter
	ActiveClients      metric.Int64UpDownCounter
	MessagesSent       metric.Int64Counter
	DroppedClients     metric.Int64Counter
	ConnectionDuration metric.Float64Histogram
}

// InitializeHubMetrics creates the websocket instruments on meter.
func InitializeHubMetrics(meter metric.Meter) (*HubMetrics, error) {
	m := &HubMetrics{}

	var err error
	m.Connections, err = meter.Int64Counter(
		"websocket_connections_total",
		metric.WithDescription("WebSocket connections accepted"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connections counter: %w", err)
	}
	m.Disconnections, err = meter.Int64Counter(
		"websocket_disconnections_total",
		metric.WithDescription("WebSocket connections closed"),
	)
	if err != nil {
		return nil, fmt.Errorf("create disconnections counter: %w", err)
	}
	m.ActiveClients, err = meter.Int64UpDownCounter(
		"websocket_active_clients",
		metric.WithDescription("Currently connected WebSocket clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active clients gauge: %w", err)
	}
	m.MessagesSent, err = meter.Int64Counter(
		"websocket_messages_sent_total",
		metric.WithDescription("Messages delivered to WebSocket clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("create messages sent counter: %w", err)
	}
	m.DroppedClients, err = meter.Int64Counter(
		"websocket_dropped_clients_total",
		metric.WithDescription("Clients disconnected because their send buffer filled"),
	)
	if err != nil {
		return nil, fmt.Errorf("create dropped clients counter: %w", err)
	}
	m.ConnectionDuration, err = meter.Float64Histogram(
		"websocket_connection_duration_seconds",
		metric.WithDescription("WebSocket connection lifetime"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create connection duration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection counts one accepted client.
func (m *HubMetrics) RecordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.Connections.Add(ctx, 1)
	m.ActiveClients.Add(ctx, 1)
}

// RecordDisconnection counts one closed client and its lifetime.
func (m *HubMetrics) RecordDisconnection(ctx context.Context, connected time.Duration) {
	if m == nil {
		return
	}
	m.Disconnections.Add(ctx, 1)
	m.ActiveClients.Add(ctx, -1)
	m.ConnectionDuration.Record(ctx, connected.Seconds())
}

// RecordMessagesSent counts delivered messages.
func (m *HubMetrics) RecordMessagesSent(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesSent.Add(ctx, n)
}

// RecordDroppedClient counts a client evicted for a full send buffer.
func (m *HubMetrics) RecordDroppedClient(ctx context.Context) {
	if m == nil {
		return
	}
	m.DroppedClients.Add(ctx, 1)
}
