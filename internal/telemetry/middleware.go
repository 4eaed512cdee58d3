package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetricsMeterName is the meter of the API port
const HTTPMetricsMeterName = "github.com/stacklok/nodesync/http"

// Surfaces served on the API port
const (
	SurfaceOperator = "operator"
	SurfaceProtocol = "protocol"
	SurfaceOther    = "other"
)

const unknownRoute = "unknown_route"

// HTTPMetrics instruments the API port. Requests are split by surface so peer
// traffic and operator traffic can be told apart.
type HTTPMetrics struct {
	duration      metric.Float64Histogram
	requests      metric.Int64Counter
	inFlight      metric.Int64UpDownCounter
	responseBytes metric.Int64Counter
}

// NewHTTPMetrics returns nil when provider is nil
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(HTTPMetricsMeterName)

	m := &HTTPMetrics{}
	var err error
	if m.duration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		// snapshot transfers run far longer than operator calls
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 300),
	); err != nil {
		return nil, err
	}
	if m.requests, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.inFlight, err = meter.Int64UpDownCounter("http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.responseBytes, err = meter.Int64Counter("http_response_bytes_total",
		metric.WithDescription("Bytes written in HTTP response bodies"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Surface classifies a request path by the API it belongs to
func Surface(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/"):
		return SurfaceOperator
	case strings.HasPrefix(path, "/sync/"):
		return SurfaceProtocol
	default:
		return SurfaceOther
	}
}

// Middleware records duration, count and response size of every request.
// A nil receiver passes requests through.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// r.Context() may be cancelled once ServeHTTP returns
		ctx := r.Context()
		surface := attribute.String("surface", Surface(r.URL.Path))
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		m.inFlight.Add(ctx, 1, metric.WithAttributes(surface))
		defer m.inFlight.Add(ctx, -1, metric.WithAttributes(surface))

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := metric.WithAttributes(
			surface,
			attribute.String("method", r.Method),
			// the chi pattern keeps label cardinality bounded
			attribute.String("route", routePattern(r)),
			attribute.String("status_code", strconv.Itoa(status)),
		)
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
		m.requests.Add(ctx, 1, attrs)
		m.responseBytes.Add(ctx, int64(ww.BytesWritten()), attrs)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}

// MetricsMiddleware builds HTTPMetrics and returns its middleware
func MetricsMiddleware(provider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	m, err := NewHTTPMetrics(provider)
	if err != nil {
		return nil, err
	}
	return m.Middleware, nil
}
