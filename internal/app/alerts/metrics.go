package alerts

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/internal/infra/telemetry"
)

type alertMetrics struct {
	sent       metric.Int64Counter
	failed     metric.Int64Counter
	deadLetter metric.Int64Gauge
}

func newAlertMetrics() *alertMetrics {
	meter := otel.Meter("alerts")
	m := new(alertMetrics)
	m.sent, _ = meter.Int64Counter("alerts.sent",
		metric.WithDescription("Number of alert messages delivered per sink"),
		metric.WithUnit("{message}"))
	m.failed, _ = meter.Int64Counter("alerts.failed",
		metric.WithDescription("Number of alert deliveries that failed per sink"),
		metric.WithUnit("{message}"))
	m.deadLetter, _ = meter.Int64Gauge("alerts.deadletter.size",
		metric.WithDescription("Current number of queued dead letters"),
		metric.WithUnit("{message}"))
	return m
}

func (m *alertMetrics) recordSent(ctx context.Context, sink string) {
	if m == nil || m.sent == nil {
		return
	}
	attrs := telemetry.SinkAttributes(telemetry.Environment(), sink, "success")
	m.sent.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *alertMetrics) recordFailed(ctx context.Context, sink, reason string) {
	if m == nil || m.failed == nil {
		return
	}
	attrs := telemetry.SinkAttributes(telemetry.Environment(), sink, reason)
	m.failed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *alertMetrics) recordDeadLetterSize(ctx context.Context, size int) {
	if m == nil || m.deadLetter == nil {
		return
	}
	m.deadLetter.Record(ctx, int64(size))
}
