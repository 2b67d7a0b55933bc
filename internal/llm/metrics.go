package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/movingally/smsrelay/internal/llm"

var (
	tokenHistogram metric.Int64Histogram
	metricsOnce    sync.Once
	metricsReady   bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	tokenHistogram, err = meter.Int64Histogram(
		"smsrelay.llm.tokens",
		metric.WithDescription("Tokens per model call"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	metricsReady = true
}

// RecordUsageMetrics records input and output token counts for one call.
func RecordUsageMetrics(ctx context.Context, provider, model string, inputTokens, outputTokens int) {
	metricsOnce.Do(initMetrics)
	if !metricsReady {
		return
	}
	base := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	tokenHistogram.Record(ctx, int64(inputTokens), metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	tokenHistogram.Record(ctx, int64(outputTokens), metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
}
