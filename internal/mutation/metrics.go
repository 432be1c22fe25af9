package mutation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/internal/telemetry"
)

type mutationMetrics struct {
	calls metric.Int64Counter
}

func newMutationMetrics() *mutationMetrics {
	meter := otel.Meter("mutation")
	m := new(mutationMetrics)
	m.calls, _ = meter.Int64Counter("folio.mutation.calls",
		metric.WithDescription("Mutating calls by operation and result"),
		metric.WithUnit("{call}"))
	return m
}

func (m *mutationMetrics) record(operation, code string) {
	if m == nil || m.calls == nil {
		return
	}
	m.calls.Add(context.Background(), 1, metric.WithAttributes(telemetry.Base(
		telemetry.AttrOperation.String(operation),
		telemetry.ResultAttr(code),
	)...))
}
