package escalation

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	firedCounter      metric.Int64Counter
	metricsOnce       sync.Once
	metricsRegistered bool
)

func recordFired(ctx context.Context, t Trigger) {
	metricsOnce.Do(func() {
		var err error
		firedCounter, err = otel.Meter("github.com/voundbrand/vc83-com-sub003/internal/escalation").Int64Counter(
			"turnkeeper.escalation.fired",
			metric.WithDescription("Escalations fired by trigger type and urgency"),
		)
		metricsRegistered = err == nil
	})
	if !metricsRegistered {
		return
	}
	firedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger_type", string(t.Type)),
		attribute.String("urgency", string(t.Urgency)),
	))
}
