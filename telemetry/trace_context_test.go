package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTestTracer creates a test tracer with an in-memory span recorder
func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	return recorder, tp.Tracer("test-tracer")
}

// TestGetTraceContext tests extracting trace context from a span
func TestGetTraceContext(t *testing.T) {
	_, tracer := setupTestTracer(t)

	t.Run("returns empty context when ctx is nil", func(t *testing.T) {
		tc := GetTraceContext(nil)
		if tc.TraceID != "" {
			t.Errorf("Expected empty TraceID, got %s", tc.TraceID)
		}
		if tc.Sampled {
			t.Error("Expected Sampled to be false")
		}
	})

	t.Run("returns empty context when no span in context", func(t *testing.T) {
		tc := GetTraceContext(context.Background())
		if tc.TraceID != "" {
			t.Errorf("Expected empty TraceID, got %s", tc.TraceID)
		}
	})

	t.Run("extracts trace context from active span", func(t *testing.T) {
		ctx, span := tracer.Start(context.Background(), "submit-invoice")
		defer span.End()

		tc := GetTraceContext(ctx)

		if len(tc.TraceID) != 32 {
			t.Errorf("Expected 32-char TraceID, got %d chars: %s", len(tc.TraceID), tc.TraceID)
		}
		if len(tc.SpanID) != 16 {
			t.Errorf("Expected 16-char SpanID, got %d chars: %s", len(tc.SpanID), tc.SpanID)
		}
		if !tc.Sampled {
			t.Error("Expected Sampled to be true for recorded span")
		}
	})
}

// TestHasTraceContext tests trace context detection
func TestHasTraceContext(t *testing.T) {
	_, tracer := setupTestTracer(t)

	if HasTraceContext(nil) {
		t.Error("Expected false for nil context")
	}
	if HasTraceContext(context.Background()) {
		t.Error("Expected false for background context")
	}

	ctx, span := tracer.Start(context.Background(), "check")
	defer span.End()
	if !HasTraceContext(ctx) {
		t.Error("Expected true for context with active span")
	}
}

// TestAddSpanEvent tests span event recording
func TestAddSpanEvent(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	// Safe on contexts without spans
	AddSpanEvent(nil, "noop")
	AddSpanEvent(context.Background(), "noop")

	ctx, span := tracer.Start(context.Background(), "stage-execution")
	AddSpanEvent(ctx, "stage_completed",
		attribute.String("stage", "MATCH_TWO_WAY"),
	)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Name != "stage_completed" {
		t.Errorf("Expected event name stage_completed, got %s", events[0].Name)
	}
}

// TestRecordSpanError tests error recording on spans
func TestRecordSpanError(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	// Safe with nil inputs
	RecordSpanError(nil, errors.New("ignored"))
	RecordSpanError(context.Background(), errors.New("ignored"))

	ctx, span := tracer.Start(context.Background(), "failing-stage")
	RecordSpanError(ctx, nil)
	RecordSpanError(ctx, errors.New("tool server unavailable"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	recorded := spans[0]
	if recorded.Status().Code != codes.Error {
		t.Errorf("Expected Error status, got %v", recorded.Status().Code)
	}
	if len(recorded.Events()) != 1 {
		t.Errorf("Expected 1 exception event, got %d", len(recorded.Events()))
	}
}

// TestSetSpanAttributes tests attribute recording
func TestSetSpanAttributes(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	SetSpanAttributes(nil, attribute.String("ignored", "x"))

	ctx, span := tracer.Start(context.Background(), "attributed")
	SetSpanAttributes(ctx,
		attribute.String("invoiceflow.thread_id", "t-123"),
		attribute.Float64("invoiceflow.match_score", 0.92),
	)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}

	attrs := spans[0].Attributes()
	found := false
	for _, kv := range attrs {
		if kv.Key == "invoiceflow.thread_id" && kv.Value.AsString() == "t-123" {
			found = true
		}
	}
	if !found {
		t.Error("Expected invoiceflow.thread_id attribute on span")
	}
}
