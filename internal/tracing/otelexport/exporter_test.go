package otelexport

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestExporter_NilSafe(t *testing.T) {
	var exp *Exporter
	exp.Install()
	if err := exp.ForceFlush(context.Background()); err != nil {
		t.Errorf("ForceFlush: %v", err)
	}
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestExporter_InstallExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	mem := tracetest.NewInMemoryExporter()
	exp, err := NewWithSpanExporter(context.Background(), mem, Config{ServiceName: "hybridmem-test"})
	if err != nil {
		t.Fatalf("NewWithSpanExporter: %v", err)
	}
	exp.Install()

	_, span := otel.Tracer("test").Start(context.Background(), "memory.longterm.search",
		trace.WithSpanKind(trace.SpanKindInternal))
	span.End()

	if err := exp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := mem.GetSpans()
	if len(spans) != 1 || spans[0].Name != "memory.longterm.search" {
		t.Fatalf("spans = %+v", spans)
	}

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	if service != "hybridmem-test" {
		t.Errorf("service.name = %q", service)
	}

	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
