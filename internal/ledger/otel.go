package ledger

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const TracerName = "license-ledger"

// Metrics holds the authority-side instruments. A nil *Metrics
// disables recording.
type Metrics struct {
	BindRequests   metric.Int64Counter
	BindDuration   metric.Float64Histogram
	UnbindRequests metric.Int64Counter
	VerifyRequests metric.Int64Counter
	Conflicts      metric.Int64Counter
}

// InitializeMetrics creates all ledger instruments on meter.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.BindRequests, err = meter.Int64Counter(
		"ledger_bind_requests_total",
		metric.WithDescription("Bind attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bind requests counter: %w", err)
	}
	m.BindDuration, err = meter.Float64Histogram(
		"ledger_bind_duration_seconds",
		metric.WithDescription("Bind transaction duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bind duration histogram: %w", err)
	}
	m.UnbindRequests, err = meter.Int64Counter(
		"ledger_unbind_requests_total",
		metric.WithDescription("Unbind attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create unbind requests counter: %w", err)
	}
	m.VerifyRequests, err = meter.Int64Counter(
		"ledger_verify_requests_total",
		metric.WithDescription("Verify lookups by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("create verify requests counter: %w", err)
	}
	m.Conflicts, err = meter.Int64Counter(
		"ledger_bind_conflicts_total",
		metric.WithDescription("Bind attempts rejected because another installation holds the key"),
	)
	if err != nil {
		return nil, fmt.Errorf("create conflicts counter: %w", err)
	}

	return m, nil
}

// RecordBind records one bind attempt and its outcome.
func (m *Metrics) RecordBind(ctx context.Context, duration time.Duration, status BindStatus) {
	if m == nil {
		return
	}
	m.BindRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
	))
	m.BindDuration.Record(ctx, duration.Seconds())
	if status == BindConflict {
		m.Conflicts.Add(ctx, 1)
	}
}

// RecordUnbind records one unbind attempt.
func (m *Metrics) RecordUnbind(ctx context.Context, released bool) {
	if m == nil {
		return
	}
	outcome := "not_bound"
	if released {
		outcome = "ok"
	}
	m.UnbindRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordVerify records one verify lookup and its result.
func (m *Metrics) RecordVerify(ctx context.Context, result VerifyResult) {
	if m == nil {
		return
	}
	m.VerifyRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(result)),
	))
}
