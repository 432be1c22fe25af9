package marketdata

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/internal/telemetry"
)

type aggregatorMetrics struct {
	lookups    metric.Int64Counter
	reconnects metric.Int64Counter
}

func newAggregatorMetrics() *aggregatorMetrics {
	meter := otel.Meter("marketdata")
	m := new(aggregatorMetrics)
	m.lookups, _ = meter.Int64Counter("folio.prices.lookups",
		metric.WithDescription("Price resolutions by source (cache, bulk, fallback)"),
		metric.WithUnit("{lookup}"))
	m.reconnects, _ = meter.Int64Counter("folio.prices.stream.reconnects",
		metric.WithDescription("Price stream connection attempts"),
		metric.WithUnit("{attempt}"))
	return m
}

func (m *aggregatorMetrics) recordLookup(source string) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.Base(telemetry.AttrSource.String(source))...))
}

func (m *aggregatorMetrics) recordReconnect(result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.Base(telemetry.AttrResult.String(result))...))
}
