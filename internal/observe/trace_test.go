package observe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs points the default logger at a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "lookup")
		cid := CorrelationID(ctx)
		span.End()

		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "speech.play")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan returned a context without a trace")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "speech.play" {
		t.Fatalf("spans = %v, want one named speech.play", spans)
	}
	if got := spans[0].InstrumentationScope.Name; got != scope {
		t.Errorf("scope = %q, want %q", got, scope)
	}
}

func TestEndSpan(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus codes.Code
		wantEvents bool
		cancelled  bool
	}{
		{name: "success", wantStatus: codes.Unset},
		{name: "failure", err: errors.New("connection refused"), wantStatus: codes.Error, wantEvents: true},
		{name: "cancelled", err: context.Canceled, wantStatus: codes.Unset, cancelled: true},
		{name: "wrapped cancel", err: fmt.Errorf("speech: play: %w", context.Canceled), wantStatus: codes.Unset, cancelled: true},
		{name: "deadline", err: context.DeadlineExceeded, wantStatus: codes.Error, wantEvents: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, exp := newTestTracerProvider(t)
			_, span := tp.Tracer("test").Start(context.Background(), tt.name)
			EndSpan(span, tt.err)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			s := spans[0]
			if s.Status.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", s.Status.Code, tt.wantStatus)
			}
			if got := len(s.Events) > 0; got != tt.wantEvents {
				t.Errorf("has error event = %v, want %v", got, tt.wantEvents)
			}
			set := attribute.NewSet(s.Attributes...)
			v, ok := set.Value("pinyinvox.cancelled")
			if got := ok && v.AsBool(); got != tt.cancelled {
				t.Errorf("pinyinvox.cancelled = %v, want %v", got, tt.cancelled)
			}
		})
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	buf := captureLogs(t)
	tp, _ := newTestTracerProvider(t)

	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("tone looked up")

	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log output missing trace_id: %s", out)
	}
	if !strings.Contains(out, "span_id=") {
		t.Errorf("log output missing span_id: %s", out)
	}
}

func TestLogger_NoSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("tone looked up")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log output should not contain trace_id: %s", buf.String())
	}
}
