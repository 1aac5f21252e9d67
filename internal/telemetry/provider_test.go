package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Not parallel: Setup replaces the global providers.
func TestSetup_StdoutExportsRuns(t *testing.T) {
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})

	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "stdout", &buf)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	run := Chain(Tracing(), Metrics())
	_ = run(context.Background(), testJob(), succeed)
	_ = run(context.Background(), testJob(), func(context.Context) error { return errors.New("boom") })

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := buf.String()
	for _, want := range []string{SpanName, MetricRuns, MetricDuration, `"rendergate"`} {
		if !strings.Contains(out, want) {
			t.Errorf("exported output missing %q:\n%s", want, out)
		}
	}
}

func TestSetup_None(t *testing.T) {
	t.Parallel()
	for _, exporter := range []string{"", "none"} {
		shutdown, err := Setup(context.Background(), exporter, nil)
		if err != nil {
			t.Fatalf("Setup(%q): %v", exporter, err)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("Setup(%q) shutdown: %v", exporter, err)
		}
	}
}

func TestSetup_UnknownExporter(t *testing.T) {
	t.Parallel()
	if _, err := Setup(context.Background(), "otlp", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}
