package otelx

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	traceparent, tracestate := TraceContextStrings(ctx)
	if traceparent == "" {
		t.Fatal("expected traceparent")
	}

	restored := trace.SpanContextFromContext(ContextWithTraceContext(context.Background(), traceparent, tracestate))
	if restored.TraceID() != traceID {
		t.Fatalf("expected trace id %s, got %s", traceID, restored.TraceID())
	}

	if got := ContextWithTraceContext(context.Background(), "", ""); trace.SpanContextFromContext(got).IsValid() {
		t.Fatal("empty carrier must not produce a span context")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SAMPLING_RATIO", "2")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4317")

	cfg := ConfigFromEnv("scheduling-service")
	if !cfg.Enabled || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	host, secure := splitEndpoint(cfg.Endpoint)
	if host != "collector:4317" || !secure {
		t.Fatalf("expected secure collector:4317, got %q %v", host, secure)
	}
	if host, secure := splitEndpoint("jaeger:4317"); host != "jaeger:4317" || secure {
		t.Fatalf("bare endpoint should be plaintext, got %q %v", host, secure)
	}
}

func TestSetupDisabledInstallsPropagator(t *testing.T) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	if len(fields) == 0 || fields[0] != "traceparent" {
		t.Fatalf("expected tracecontext propagator, got %v", fields)
	}
}
