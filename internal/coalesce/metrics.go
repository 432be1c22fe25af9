package coalesce

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/internal/telemetry"
)

type coalesceMetrics struct {
	executions metric.Int64Counter
	shared     metric.Int64Counter
}

func newCoalesceMetrics() *coalesceMetrics {
	meter := otel.Meter("coalesce")
	m := new(coalesceMetrics)
	m.executions, _ = meter.Int64Counter("folio.coalesce.executions",
		metric.WithDescription("Venue requests actually issued by the coalescer"),
		metric.WithUnit("{request}"))
	m.shared, _ = meter.Int64Counter("folio.coalesce.shared",
		metric.WithDescription("Callers served by another caller's in-flight request"),
		metric.WithUnit("{request}"))
	return m
}

func (m *coalesceMetrics) recordExecution(key string) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.Add(context.Background(), 1, metric.WithAttributes(endpointAttrs(key)...))
}

func (m *coalesceMetrics) recordShared(key string) {
	if m == nil || m.shared == nil {
		return
	}
	m.shared.Add(context.Background(), 1, metric.WithAttributes(endpointAttrs(key)...))
}

// endpointAttrs keeps label cardinality bounded by dropping the query part of the key.
func endpointAttrs(key string) []attribute.KeyValue {
	endpoint := key
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		endpoint = endpoint[:idx]
	}
	return telemetry.Base(telemetry.AttrEndpoint.String(endpoint))
}
