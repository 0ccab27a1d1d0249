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

// RouteOther labels every request outside the admin endpoints.
const RouteOther = "other"

// adminRoutes are the paths served by the admin listener. True marks a health
// check, which is neither traced nor logged above debug level.
var adminRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/statusz": true,
	"/metrics": true,
}

// routeOf maps a request path to a bounded metric label.
func routeOf(path string) (route string, health bool) {
	health, ok := adminRoutes[path]
	if !ok {
		return RouteOther, false
	}
	return path, health
}

// adminWriter remembers the status written by an admin handler.
type adminWriter struct {
	http.ResponseWriter
	status int
}

func (w *adminWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *adminWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *adminWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware instruments the admin endpoint. Every request is timed into
// [Metrics.HTTPRequestDuration] under its route and status. Requests other
// than health checks also get a server span continuing any W3C trace context, an
// X-Correlation-ID response header, and an info log line; server errors are
// logged as warnings and mark the span failed.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route, health := routeOf(r.URL.Path)
			ctx := r.Context()

			var span trace.Span
			if !health {
				ctx = prop.Extract(ctx, propagation.HeaderCarrier(r.Header))
				ctx, span = StartSpan(ctx, "admin "+route,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.HTTPRoute(route),
						semconv.URLPath(r.URL.Path),
					),
				)
				defer span.End()
				if cid := CorrelationID(ctx); cid != "" {
					w.Header().Set("X-Correlation-ID", cid)
				}
				r = r.WithContext(ctx)
			}

			aw := &adminWriter{ResponseWriter: w}
			next.ServeHTTP(aw, r)
			if aw.status == 0 {
				aw.status = http.StatusOK
			}
			elapsed := time.Since(start)

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("status", strconv.Itoa(aw.status)),
				),
			)

			level := slog.LevelInfo
			switch {
			case aw.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			case health:
				level = slog.LevelDebug
			}
			if span != nil {
				span.SetAttributes(semconv.HTTPResponseStatusCode(aw.status))
				if aw.status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(aw.status))
				}
			}
			Logger(ctx).LogAttrs(ctx, level, "admin request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
