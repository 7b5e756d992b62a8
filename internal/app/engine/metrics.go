package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/internal/infra/telemetry"
)

// coreMetrics tracks per-event pipeline outcomes and latency.
type coreMetrics struct {
	ingested   metric.Int64Counter
	delivered  metric.Int64Counter
	deduped    metric.Int64Counter
	filtered   metric.Int64Counter
	skipped    metric.Int64Counter
	processing metric.Float64Histogram
}

func newCoreMetrics() *coreMetrics {
	meter := otel.Meter("engine")
	m := new(coreMetrics)
	m.ingested, _ = meter.Int64Counter("engine.events.ingested",
		metric.WithDescription("Number of events received from upstream loops"),
		metric.WithUnit("{event}"))
	m.delivered, _ = meter.Int64Counter("engine.events.delivered",
		metric.WithDescription("Number of events delivered to the event bus"),
		metric.WithUnit("{event}"))
	m.deduped, _ = meter.Int64Counter("engine.events.deduped",
		metric.WithDescription("Number of duplicate events suppressed"),
		metric.WithUnit("{event}"))
	m.filtered, _ = meter.Int64Counter("engine.events.filtered",
		metric.WithDescription("Number of events rejected by the filter pipeline"),
		metric.WithUnit("{event}"))
	m.skipped, _ = meter.Int64Counter("engine.events.skipped",
		metric.WithDescription("Number of malformed frames skipped"),
		metric.WithUnit("{event}"))
	m.processing, _ = meter.Float64Histogram("engine.processing.duration",
		metric.WithDescription("Stream engine event processing duration"),
		metric.WithUnit("ms"))
	return m
}

func (m *coreMetrics) count(ctx context.Context, counter metric.Int64Counter, eventType, channel string) {
	if m == nil || counter == nil {
		return
	}
	attrs := telemetry.EventAttributes(telemetry.Environment(), eventType, channel)
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *coreMetrics) recordProcessing(ctx context.Context, channel, result string, elapsed time.Duration) {
	if m == nil || m.processing == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), channel, "process", result)
	m.processing.Record(ctx, float64(elapsed.Microseconds())/1000.0, metric.WithAttributes(attrs...))
}
