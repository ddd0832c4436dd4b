package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/gatekeeper/internal/otel"
	"github.com/basket/gatekeeper/internal/shared"
)

// MaxBodyBytes bounds request bodies on every endpoint.
const MaxBodyBytes = 1 << 20

// NewCORSMiddleware allows the listed origins. An empty list disables CORS
// headers entirely, which keeps the API same-origin.
func NewCORSMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           3600,
	})
}

// RequestSizeLimitMiddleware limits request body size to prevent abuse.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = MaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// traceMiddleware gives every request a trace id, adopting a UUID sent in
// X-Trace-Id, and records the client address on the context. It runs after
// middleware.RealIP.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.AdoptTraceID(r.Header.Get("X-Trace-Id"))
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx = shared.WithClientIP(ctx, ip)
		w.Header().Set("X-Trace-Id", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog logs one line per request and records the request duration.
func accessLog(logger *slog.Logger, metrics *otel.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				elapsed := time.Since(start)
				route := r.URL.Path
				if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				if metrics != nil {
					metrics.RequestDuration.Record(r.Context(), elapsed.Seconds(), metric.WithAttributes(
						attribute.String("http.route", route),
						attribute.Int("http.status_code", ww.Status()),
					))
				}
				logger.Info("http request",
					"trace_id", shared.TraceID(r.Context()),
					"req_id", middleware.GetReqID(r.Context()),
					"client_ip", shared.ClientIP(r.Context()),
					"method", r.Method,
					"route", route,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", elapsed.Milliseconds(),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
