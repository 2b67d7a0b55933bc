package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/movingally/smsrelay/internal/action"
)

const meterName = "github.com/movingally/smsrelay/internal/orchestrator"

var (
	turnCounter   metric.Int64Counter
	tripCounter   metric.Int64Counter
	actionCounter metric.Int64Counter
	durationHist  metric.Float64Histogram
	metricsOnce   sync.Once
	metricsReady  bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	if turnCounter, err = meter.Int64Counter("smsrelay.turns",
		metric.WithDescription("Turns by outcome")); err != nil {
		return
	}
	if tripCounter, err = meter.Int64Counter("smsrelay.guardrail.trips",
		metric.WithDescription("Safety checks that tripped a turn")); err != nil {
		return
	}
	if actionCounter, err = meter.Int64Counter("smsrelay.actions",
		metric.WithDescription("Action invocations by status")); err != nil {
		return
	}
	if durationHist, err = meter.Float64Histogram("smsrelay.turn.duration",
		metric.WithDescription("Turn wall time"),
		metric.WithUnit("s")); err != nil {
		return
	}
	metricsReady = true
}

func recordTurnMetrics(ctx context.Context, profile string, res *Result, elapsed time.Duration) {
	metricsOnce.Do(initMetrics)
	if !metricsReady {
		return
	}
	prof := attribute.String("profile", profile)
	turnCounter.Add(ctx, 1, metric.WithAttributes(prof, attribute.String("outcome", string(res.Outcome))))
	durationHist.Record(ctx, elapsed.Seconds(), metric.WithAttributes(prof, attribute.String("outcome", string(res.Outcome))))
	for _, c := range res.TrippedChecks {
		tripCounter.Add(ctx, 1, metric.WithAttributes(prof, attribute.String("check", c)))
	}
	for _, a := range res.Actions {
		recordActionMetric(ctx, prof, a)
	}
}

func recordActionMetric(ctx context.Context, prof attribute.KeyValue, a action.Result) {
	actionCounter.Add(ctx, 1, metric.WithAttributes(
		prof,
		attribute.String("action", a.Action),
		attribute.String("status", string(a.Status)),
		attribute.Bool("replayed", a.Replayed),
	))
}
