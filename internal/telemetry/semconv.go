package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by client instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrCategory labels the endpoint category (public, account, derivatives).
	AttrCategory = attribute.Key("endpoint.category")
	// AttrEndpoint identifies the base address that served a request.
	AttrEndpoint = attribute.Key("endpoint.base")
	// AttrResult records the outcome of an operation (ok or an error code).
	AttrResult = attribute.Key("result")
	// AttrTier labels cache metrics by tier.
	AttrTier = attribute.Key("cache.tier")
	// AttrMode labels refresh metrics with fast or full.
	AttrMode = attribute.Key("refresh.mode")
	// AttrSource names a snapshot data source (orders, trades, funding, ...).
	AttrSource = attribute.Key("source")
	// AttrOperation differentiates mutating operations (cancel, place, leverage).
	AttrOperation = attribute.Key("operation")
)

// Metric names whose histogram buckets are customised in histogramViews.
const (
	MetricRequestDuration = "folio.transport.request.duration"
	MetricRefreshDuration = "folio.refresh.duration"
)

// ResultAttr returns "ok" for nil errors and the supplied code otherwise.
func ResultAttr(code string) attribute.KeyValue {
	if code == "" {
		return AttrResult.String("ok")
	}
	return AttrResult.String(code)
}

// Base returns the attributes attached to every client metric.
func Base(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(extra)+1)
	attrs = append(attrs, AttrEnvironment.String(Environment()))
	return append(attrs, extra...)
}

// EnsureContext substitutes context.Background for nil contexts.
func EnsureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
