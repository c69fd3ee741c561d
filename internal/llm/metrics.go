package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/voundbrand/vc83-com-sub003/internal/llm"

var (
	attemptCounter    metric.Int64Counter
	tokenHistogram    metric.Int64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	attemptCounter, err = meter.Int64Counter(
		"turnkeeper.llm.attempts",
		metric.WithDescription("Model call attempts by model, auth profile and result"),
	)
	if err != nil {
		return
	}
	tokenHistogram, err = meter.Int64Histogram(
		"turnkeeper.llm.tokens",
		metric.WithDescription("Total tokens per successful model call"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordAttempt(ctx context.Context, model, profileID, result string) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("profile", profileID),
		attribute.String("result", result),
	))
}

func recordTokens(ctx context.Context, model string, tokens int) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	tokenHistogram.Record(ctx, int64(tokens), metric.WithAttributes(attribute.String("model", model)))
}
