package refresh

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/folio/errs"
	"github.com/coachpo/folio/internal/telemetry"
)

type schedulerMetrics struct {
	duration metric.Float64Histogram
	restores metric.Int64Counter
}

func newSchedulerMetrics() *schedulerMetrics {
	meter := otel.Meter("refresh")
	m := new(schedulerMetrics)
	m.duration, _ = meter.Float64Histogram(telemetry.MetricRefreshDuration,
		metric.WithDescription("Critical refresh phase duration"),
		metric.WithUnit("ms"))
	m.restores, _ = meter.Int64Counter("folio.refresh.restores",
		metric.WithDescription("Failed refreshes answered from the backup snapshot"),
		metric.WithUnit("{refresh}"))
	return m
}

func (m *schedulerMetrics) recordRefresh(mode Mode, elapsed time.Duration, code errs.Code) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(context.Background(), float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(telemetry.Base(
			telemetry.AttrMode.String(string(mode)),
			telemetry.ResultAttr(string(code)),
		)...))
}

func (m *schedulerMetrics) recordRestore(mode Mode) {
	if m == nil || m.restores == nil {
		return
	}
	m.restores.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.Base(telemetry.AttrMode.String(string(mode)))...))
}
