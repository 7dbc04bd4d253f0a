package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// Recorder captures spans in memory for tests.
type Recorder struct {
	spans    *tracetest.SpanRecorder
	provider *sdktrace.TracerProvider
}

// NewRecorder installs an in-memory tracer provider globally and restores
// the previous one when tb finishes.
func NewRecorder(tb testing.TB) *Recorder {
	tb.Helper()
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	tb.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(tb.Context())
	})

	return &Recorder{spans: spans, provider: provider}
}

// Tracer returns a tracer backed by the recorder.
func (r *Recorder) Tracer(name string) trace.Tracer {
	return r.provider.Tracer(name)
}

// Span returns the first ended span called name, or nil.
func (r *Recorder) Span(name string) sdktrace.ReadOnlySpan {
	for _, s := range r.spans.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// AssertSpan fails tb unless a span called name ended with attribute
// key=want.
func (r *Recorder) AssertSpan(tb testing.TB, name, key string, want interface{}) {
	tb.Helper()
	s := r.Span(name)
	if s == nil {
		names := make([]string, 0)
		for _, e := range r.spans.Ended() {
			names = append(names, e.Name())
		}
		tb.Fatalf("span %q not found, got %v", name, names)
	}
	if key == "" {
		return
	}
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			if got := value(kv.Value); got != want {
				tb.Errorf("span %q attribute %q = %v, want %v", name, key, got, want)
			}
			return
		}
	}
	tb.Errorf("span %q missing attribute %q", name, key)
}

func value(v attribute.Value) interface{} {
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
