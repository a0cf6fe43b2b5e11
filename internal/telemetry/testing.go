package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans in memory for assertions.
type TestTelemetry struct {
	*Telemetry
	SpanRecorder *tracetest.SpanRecorder
}

// NewTestTelemetry returns telemetry whose tracer records into SpanRecorder.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	t := &Telemetry{
		config:         cfg,
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
	}
	t.healthy.Store(true)
	return &TestTelemetry{Telemetry: t, SpanRecorder: recorder}
}

// Spans returns all ended spans.
func (t *TestTelemetry) Spans() []trace.ReadOnlySpan {
	return t.SpanRecorder.Ended()
}

// SpansNamed returns the ended spans with the given name, in end order.
func (t *TestTelemetry) SpansNamed(name string) []trace.ReadOnlySpan {
	var out []trace.ReadOnlySpan
	for _, s := range t.Spans() {
		if s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// AssertSpanExists fails tb if no span called name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if len(t.SpansNamed(name)) == 0 {
		names := make([]string, 0)
		for _, s := range t.Spans() {
			names = append(names, s.Name())
		}
		tb.Errorf("expected span %q, got %v", name, names)
	}
}

// AssertSpanAttribute checks the first span called name carries key=expected.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, name, key string, expected interface{}) {
	tb.Helper()
	spans := t.SpansNamed(name)
	if len(spans) == 0 {
		tb.Fatalf("span %q not found", name)
	}
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == key {
			if got := attrValue(attr.Value); got != expected {
				tb.Errorf("span %q attribute %q: got %v, want %v", name, key, got, expected)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", name, key)
}

func attrValue(v attribute.Value) interface{} {
	switch v.Type() {
	case attribute.STRING:
		return v.AsString()
	case attribute.INT64:
		return v.AsInt64()
	case attribute.FLOAT64:
		return v.AsFloat64()
	case attribute.BOOL:
		return v.AsBool()
	default:
		return v.AsInterface()
	}
}
