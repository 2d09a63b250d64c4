package tracing

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware traces API requests. Spans are named after the mux route
// template so ids in the path do not fan out span names; the id itself is
// recorded as the job or execution attribute. Only 5xx marks the span failed.
func HTTPMiddleware(provider *Provider) func(http.Handler) http.Handler {
	tracer := provider.Tracer()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ExtractHTTPHeaders(r.Context(), r)

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPRouteKey.String(route),
					semconv.HTTPTargetKey.String(r.URL.RequestURI()),
				),
			)
			defer span.End()

			if id := mux.Vars(r)["id"]; id != "" {
				switch {
				case strings.HasPrefix(route, "/jobs/"):
					span.SetAttributes(AttrJobID.String(id))
				case strings.HasPrefix(route, "/executions/"):
					span.SetAttributes(AttrExecutionID.String(id))
				}
			}

			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			propagator.Inject(ctx, headerCarrier(rw.Header()))

			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(rw.statusCode))
			if rw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
			}
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func headerCarrier(h http.Header) propagation.HeaderCarrier {
	return propagation.HeaderCarrier(h)
}

// InjectHTTPHeaders injects trace context into outgoing worker requests
func InjectHTTPHeaders(ctx context.Context, req *http.Request) {
	propagator.Inject(ctx, headerCarrier(req.Header))
}

// ExtractHTTPHeaders extracts trace context from HTTP request headers
func ExtractHTTPHeaders(ctx context.Context, req *http.Request) context.Context {
	return propagator.Extract(ctx, headerCarrier(req.Header))
}
