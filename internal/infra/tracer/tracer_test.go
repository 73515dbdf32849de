package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"mosaic-ai/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exp, err)
		}
		_ = shutdown(context.Background())
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	if err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestEndRecordsStatus(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, ok := StartSpan(context.Background(), "coordination.parallel")
	End(ok, nil)
	_, failed := StartSpan(context.Background(), "agent.invoke")
	End(failed, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("first span status = %v, want Ok", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("second span status = %v, want Error", spans[1].Status().Code)
	}
}

func TestAttrHelpers(t *testing.T) {
	if s := StringAttr("agent_id", "crisis"); string(s.Key) != "agent_id" {
		t.Errorf("StringAttr key = %q", s.Key)
	}
	if i := IntAttr("agents", 3); i.Value.AsInt64() != 3 {
		t.Errorf("IntAttr value = %d", i.Value.AsInt64())
	}
	if f := FloatAttr("score", 0.5); f.Value.AsFloat64() != 0.5 {
		t.Errorf("FloatAttr value = %v", f.Value.AsFloat64())
	}
	if b := BoolAttr("escalated", true); !b.Value.AsBool() {
		t.Error("BoolAttr value should be true")
	}
}
