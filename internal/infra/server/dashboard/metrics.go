package dashboard

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/internal/infra/telemetry"
)

// hubMetrics tracks dashboard connectivity and control-plane traffic.
type hubMetrics struct {
	connectionGauge  metric.Int64UpDownCounter
	slowDropCounter  metric.Int64Counter
	broadcastCounter metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
	requestCounter   metric.Int64Counter
	requestDuration  metric.Float64Histogram
}

func newHubMetrics() *hubMetrics {
	meter := otel.Meter("dashboard")
	m := new(hubMetrics)
	m.connectionGauge, _ = meter.Int64UpDownCounter("dashboard.connections",
		metric.WithDescription("Number of connected dashboard clients"),
		metric.WithUnit("{connection}"))
	m.slowDropCounter, _ = meter.Int64Counter("dashboard.clients.dropped",
		metric.WithDescription("Number of clients dropped for queue overflow"),
		metric.WithUnit("{connection}"))
	m.broadcastCounter, _ = meter.Int64Counter("dashboard.broadcasts",
		metric.WithDescription("Number of frames broadcast to dashboard clients"),
		metric.WithUnit("{frame}"))
	m.fanoutHistogram, _ = meter.Int64Histogram("dashboard.broadcast.size",
		metric.WithDescription("Number of clients per broadcast"),
		metric.WithUnit("{connection}"))
	m.requestCounter, _ = meter.Int64Counter("dashboard.requests",
		metric.WithDescription("Number of control-plane requests handled"),
		metric.WithUnit("{request}"))
	m.requestDuration, _ = meter.Float64Histogram("dashboard.request.duration",
		metric.WithDescription("Latency of control-plane request handling"),
		metric.WithUnit("ms"))
	return m
}

func (m *hubMetrics) recordConnect(ctx context.Context) {
	if m == nil || m.connectionGauge == nil {
		return
	}
	m.connectionGauge.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment())))
}

func (m *hubMetrics) recordDisconnect(ctx context.Context) {
	if m == nil || m.connectionGauge == nil {
		return
	}
	m.connectionGauge.Add(ctx, -1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment())))
}

func (m *hubMetrics) recordSlowDrop(ctx context.Context) {
	if m == nil || m.slowDropCounter == nil {
		return
	}
	m.slowDropCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment())))
}

func (m *hubMetrics) recordBroadcast(ctx context.Context, clients int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("environment", telemetry.Environment()))
	if m.broadcastCounter != nil {
		m.broadcastCounter.Add(ctx, 1, attrs)
	}
	if m.fanoutHistogram != nil {
		m.fanoutHistogram.Record(ctx, int64(clients), attrs)
	}
}

func (m *hubMetrics) recordRequest(ctx context.Context, command string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(telemetry.CommandAttributes(telemetry.Environment(), command, status)...)
	if m.requestCounter != nil {
		m.requestCounter.Add(ctx, 1, attrs)
	}
	if m.requestDuration != nil {
		m.requestDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}
