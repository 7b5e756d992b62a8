package apify

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/featherwire/aviary/internal/infra/telemetry"
)

// streamMetrics tracks connection health and frame throughput for the SSE
// transport.
type streamMetrics struct {
	connectCounter   metric.Int64Counter
	reconnectCounter metric.Int64Counter
	rotationCounter  metric.Int64Counter
	frameCounter     metric.Int64Counter
	frameBytes       metric.Int64Counter
	parseFailures    metric.Int64Counter
	connectDuration  metric.Float64Histogram
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("apify")
	m := new(streamMetrics)
	m.connectCounter, _ = meter.Int64Counter("stream.connects",
		metric.WithDescription("Number of SSE connect attempts"),
		metric.WithUnit("{connection}"))
	m.reconnectCounter, _ = meter.Int64Counter("stream.reconnects",
		metric.WithDescription("Number of reconnect cycles after a stream drop"),
		metric.WithUnit("{connection}"))
	m.rotationCounter, _ = meter.Int64Counter("stream.rotations",
		metric.WithDescription("Number of endpoint candidate rotations"),
		metric.WithUnit("{rotation}"))
	m.frameCounter, _ = meter.Int64Counter("stream.frames",
		metric.WithDescription("Number of SSE frames received"),
		metric.WithUnit("{frame}"))
	m.frameBytes, _ = meter.Int64Counter("stream.frame.bytes",
		metric.WithDescription("Bytes of SSE frame data received"),
		metric.WithUnit("By"))
	m.parseFailures, _ = meter.Int64Counter("stream.parse.failures",
		metric.WithDescription("Number of SSE frames that failed to parse"),
		metric.WithUnit("{frame}"))
	m.connectDuration, _ = meter.Float64Histogram("stream.connect.duration",
		metric.WithDescription("Time to establish an SSE connection"),
		metric.WithUnit("ms"))
	return m
}

func (m *streamMetrics) recordConnect(ctx context.Context, channel, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), channel, "connect", result)
	if m.connectCounter != nil {
		m.connectCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.connectDuration != nil && result == "success" {
		m.connectDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func (m *streamMetrics) recordReconnect(ctx context.Context, channel string) {
	if m == nil || m.reconnectCounter == nil {
		return
	}
	m.reconnectCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("channel", channel)))
}

func (m *streamMetrics) recordRotation(ctx context.Context, channel string) {
	if m == nil || m.rotationCounter == nil {
		return
	}
	m.rotationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("channel", channel)))
}

func (m *streamMetrics) recordFrame(ctx context.Context, channel string, size int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("channel", channel))
	if m.frameCounter != nil {
		m.frameCounter.Add(ctx, 1, attrs)
	}
	if m.frameBytes != nil {
		m.frameBytes.Add(ctx, int64(size), attrs)
	}
}

func (m *streamMetrics) recordParseFailure(ctx context.Context, channel string) {
	if m == nil || m.parseFailures == nil {
		return
	}
	m.parseFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("channel", channel)))
}
