package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/hanko-field/settlement/internal/services"

var tracer = otel.Tracer(instrumentationName)

// settlementMetrics holds counters shared by the lifecycle manager and the outbox relay.
type settlementMetrics struct {
	transitions metric.Int64Counter
	dispatches  metric.Int64Counter
}

func newSettlementMetrics(meter metric.Meter) settlementMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	var m settlementMetrics
	if counter, err := meter.Int64Counter(
		"settlement.transitions",
		metric.WithDescription("Lifecycle transitions by outcome"),
	); err == nil {
		m.transitions = counter
	}
	if counter, err := meter.Int64Counter(
		"settlement.outbox.dispatch",
		metric.WithDescription("Outbox intent dispatch attempts by outcome"),
	); err == nil {
		m.dispatches = counter
	}
	return m
}

func (m settlementMetrics) recordTransition(ctx context.Context, transition string, outcome TransitionOutcome) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", transition),
		attribute.String("outcome", string(outcome)),
	))
}

func (m settlementMetrics) recordDispatch(ctx context.Context, kind, outcome string) {
	if m.dispatches == nil {
		return
	}
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
