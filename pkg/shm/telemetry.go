package shm

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/srediag/shmem/pkg/shm"

type telemetry struct {
	tracerProvider trace.TracerProvider
	created        metric.Int64Counter
	rejected       metric.Int64Counter
	mapped         metric.Int64UpDownCounter
}

var activeTelemetry atomic.Pointer[telemetry]

func init() {
	t, _ := newTelemetry(noop.NewMeterProvider(), nil)
	activeTelemetry.Store(t)
}

func newTelemetry(mp metric.MeterProvider, tp trace.TracerProvider) (*telemetry, error) {
	meter := mp.Meter(instrumentationName)
	created, err := meter.Int64Counter("shm.regions.created",
		metric.WithDescription("Shared memory regions created"))
	if err != nil {
		return nil, err
	}
	rejected, err := meter.Int64Counter("shm.take.rejected",
		metric.WithDescription("Handles rejected because their rights contradict their mode"))
	if err != nil {
		return nil, err
	}
	mapped, err := meter.Int64UpDownCounter("shm.mapped.bytes",
		metric.WithDescription("Bytes currently mapped"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	return &telemetry{tracerProvider: tp, created: created, rejected: rejected, mapped: mapped}, nil
}

// Instrument routes region metrics to mp and spans to tp. A nil tp makes
// spans follow the tracer provider of the span already in the context.
func Instrument(mp metric.MeterProvider, tp trace.TracerProvider) error {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	t, err := newTelemetry(mp, tp)
	if err != nil {
		return err
	}
	activeTelemetry.Store(t)
	return nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tp := activeTelemetry.Load().tracerProvider
	if tp == nil {
		tp = trace.SpanFromContext(ctx).TracerProvider()
	}
	return tp.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func recordCreated(ctx context.Context, mode Mode) {
	activeTelemetry.Load().created.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
}

func recordRejected(ctx context.Context, mode Mode) {
	activeTelemetry.Load().rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
}

func recordMapped(delta int64) {
	activeTelemetry.Load().mapped.Add(context.Background(), delta)
}
