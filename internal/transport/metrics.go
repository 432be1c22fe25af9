package transport

import (
	"context"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/telemetry"
)

type transportMetrics struct {
	requests  metric.Int64Counter
	fallbacks metric.Int64Counter
	latency   metric.Float64Histogram
	offset    metric.Int64Gauge
}

func newTransportMetrics() *transportMetrics {
	meter := otel.Meter("transport")
	m := new(transportMetrics)
	m.requests, _ = meter.Int64Counter("folio.transport.requests",
		metric.WithDescription("Venue HTTP attempts by category and result"),
		metric.WithUnit("{request}"))
	m.fallbacks, _ = meter.Int64Counter("folio.transport.fallbacks",
		metric.WithDescription("Calls that succeeded on a non-first candidate endpoint"),
		metric.WithUnit("{request}"))
	m.latency, _ = meter.Float64Histogram(telemetry.MetricRequestDuration,
		metric.WithDescription("Venue HTTP attempt latency"),
		metric.WithUnit("ms"))
	m.offset, _ = meter.Int64Gauge("folio.transport.clock_offset",
		metric.WithDescription("Server minus local clock difference"),
		metric.WithUnit("ms"))
	return m
}

func (m *transportMetrics) recordRequest(category Category, base string, elapsed time.Duration, code errs.Code) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.Base(
		telemetry.AttrCategory.String(string(category)),
		telemetry.AttrEndpoint.String(host(base)),
		telemetry.ResultAttr(string(code)),
	)...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

func (m *transportMetrics) recordFallback(category Category, base string) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(context.Background(), 1, metric.WithAttributes(telemetry.Base(
		telemetry.AttrCategory.String(string(category)),
		telemetry.AttrEndpoint.String(host(base)),
	)...))
}

func (m *transportMetrics) recordOffset(offsetMillis int64) {
	if m == nil || m.offset == nil {
		return
	}
	m.offset.Record(context.Background(), offsetMillis, metric.WithAttributes(telemetry.Base()...))
}

func host(base string) string {
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return base
	}
	return parsed.Host
}
