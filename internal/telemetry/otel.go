package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendergate/rendergate/internal/job"
)

const instrumentationName = "github.com/rendergate/rendergate"

// SpanName is the name of the span around each generation run.
const SpanName = "rendergate.job.generate"

// Instrument names recorded by Metrics.
const (
	MetricDuration = "rendergate.job.duration"
	MetricRuns     = "rendergate.job.runs"
)

// Tracing uses the global TracerProvider; without one it is a no-op.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer wraps each run in a span from tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, SpanName,
			trace.WithAttributes(
				attribute.String("rendergate.job.id", j.ID),
				attribute.String("rendergate.backend", j.Backend),
				attribute.Int("rendergate.attempt", j.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}

// Metrics uses the global MeterProvider; without one it is a no-op.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter records run duration and outcome counts on meter.
// Instrument creation errors fall back to the API's no-op instruments.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, _ := meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Duration of generation runs in seconds"),
		metric.WithUnit("s"),
	)
	runs, _ := meter.Int64Counter(MetricRuns,
		metric.WithDescription("Generation runs by outcome"),
		metric.WithUnit("{run}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("backend", j.Backend),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		runs.Add(ctx, 1, attrs)
		return err
	}
}
