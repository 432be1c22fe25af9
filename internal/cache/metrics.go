package cache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/internal/telemetry"
)

type cacheMetrics struct {
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
}

func newCacheMetrics() *cacheMetrics {
	meter := otel.Meter("cache")
	m := new(cacheMetrics)
	m.hits, _ = meter.Int64Counter("folio.cache.hits",
		metric.WithDescription("Cache lookups served from a tier"),
		metric.WithUnit("{lookup}"))
	m.misses, _ = meter.Int64Counter("folio.cache.misses",
		metric.WithDescription("Cache lookups that found no live entry"),
		metric.WithUnit("{lookup}"))
	m.evictions, _ = meter.Int64Counter("folio.cache.evictions",
		metric.WithDescription("Entries dropped because a tier reached capacity"),
		metric.WithUnit("{entry}"))
	return m
}

func (m *cacheMetrics) recordLookup(tier Tier, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.Base(telemetry.AttrTier.String(tier.String()))...)
	if hit {
		if m.hits != nil {
			m.hits.Add(context.Background(), 1, attrs)
		}
		return
	}
	if m.misses != nil {
		m.misses.Add(context.Background(), 1, attrs)
	}
}

func (m *cacheMetrics) recordEvictions(tier Tier, n int) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(context.Background(), int64(n),
		metric.WithAttributes(telemetry.Base(telemetry.AttrTier.String(tier.String()))...))
}
