package agent

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	outcomeCounter    metric.Int64Counter
	turnDuration      metric.Int64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter("github.com/voundbrand/vc83-com-sub003/internal/agent")
	var err error
	outcomeCounter, err = meter.Int64Counter(
		"turnkeeper.turn.outcome",
		metric.WithDescription("Settled turns by outcome and channel"),
	)
	if err != nil {
		return
	}
	turnDuration, err = meter.Int64Histogram(
		"turnkeeper.turn.duration",
		metric.WithDescription("Wall-clock turn duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordOutcome(ctx context.Context, outcome Outcome, channel string, durationMS int64) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("channel", channel),
	)
	outcomeCounter.Add(ctx, 1, attrs)
	turnDuration.Record(ctx, durationMS, attrs)
}
