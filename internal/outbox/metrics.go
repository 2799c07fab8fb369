package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kokoro-ai/kokoro/internal/telemetry"
)

// registerMetrics wires the queue gauges: backlog depth and the age of the
// oldest pending event. Both are observed on the collector's schedule, not
// per batch, so an idle worker still reports an honest backlog.
func (w *Worker) registerMetrics() error {
	meter := telemetry.Meter("kokoro.outbox")

	depth, err := meter.Int64ObservableGauge("outbox.depth",
		metric.WithDescription("Outbox events pending or processing"))
	if err != nil {
		return fmt.Errorf("outbox: register depth gauge: %w", err)
	}
	oldestAge, err := meter.Float64ObservableGauge("outbox.oldest_pending_age_seconds",
		metric.WithDescription("Age of the oldest pending outbox event"),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("outbox: register lag gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		obsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		d, err := w.db.OutboxDepth(obsCtx)
		if err != nil {
			return err
		}
		o.ObserveInt64(depth, d)

		age, err := w.db.OutboxOldestPendingAge(obsCtx)
		if err != nil {
			return err
		}
		o.ObserveFloat64(oldestAge, age.Seconds())
		return nil
	}, depth, oldestAge)
	if err != nil {
		return fmt.Errorf("outbox: register metric callback: %w", err)
	}
	return nil
}
