package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of a request back to the caller so
// that a failed command can be matched to its log lines.
const CorrelationHeader = "X-Correlation-ID"

// unmatchedRoute labels requests that no mux pattern accepted. Raw paths are
// never used as metric labels.
const unmatchedRoute = "unmatched"

// quietRoutes complete at debug level; probes and scrapes would otherwise
// dominate the log.
var quietRoutes = map[string]bool{
	"GET /healthz": true,
	"GET /readyz":  true,
	"GET /metrics": true,
}

// Middleware instruments the invoke API. Each request gets a server span,
// continued from an incoming W3C traceparent when present, and the trace ID
// is echoed in [CorrelationHeader]. On completion the span is renamed after
// the matched route, the duration lands in [Metrics.HTTPRequestDuration]
// and one log line is written.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &instrumented{next: next, metrics: m, prop: propagation.TraceContext{}}
	}
}

type instrumented struct {
	next    http.Handler
	metrics *Metrics
	prop    propagation.TextMapPropagator
}

func (h *instrumented) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := h.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set(CorrelationHeader, cid)
	}
	h.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	r = r.WithContext(ctx)
	h.next.ServeHTTP(sw, r)
	elapsed := time.Since(start)

	// The mux fills in Pattern while routing.
	route := unmatchedRoute
	if r.Pattern != "" {
		route = r.Pattern
		span.SetName(route)
		span.SetAttributes(semconv.HTTPRoute(route))
	}
	if cmd := r.PathValue("command"); cmd != "" {
		span.SetAttributes(attribute.String("pinyinvox.command", cmd))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
	if sw.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(sw.status))
	}

	h.metrics.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", route),
			attribute.String("status_class", statusClass(sw.status)),
		),
	)

	level := slog.LevelInfo
	if quietRoutes[route] {
		level = slog.LevelDebug
	}
	slog.LogAttrs(ctx, level, "request completed",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", sw.status),
		slog.Duration("duration", elapsed),
	)
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// statusWriter remembers the status code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
