package observability

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"chatdesk.dev/pkg/contracts"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type contextKey string

const requestIDKey contextKey = "request_id"

var (
	metricsOnce        sync.Once
	reqTotal           *prometheus.CounterVec
	reqDuration        *prometheus.HistogramVec
	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
)

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func CorrelationMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	initMetrics()
	serviceName := os.Getenv("SERVICE_NAME")
	if serviceName == "" {
		serviceName = "chatdesk"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(contracts.HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			w.Header().Set(contracts.HeaderRequestID, requestID)
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			latency := time.Since(started).Seconds()
			statusCode := strconv.Itoa(rec.statusCode)
			route := routeLabel(r)
			reqTotal.WithLabelValues(serviceName, r.Method, route, statusCode).Inc()
			reqDuration.WithLabelValues(serviceName, r.Method, route, statusCode).Observe(latency)
			logger.Info("http_request",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"latency_ms", time.Since(started).Milliseconds(),
			)
		})
	}
}

// ObserveCompletion records one call to the completion backend. outcome is
// "ok" or "error".
func ObserveCompletion(model, outcome string, elapsed time.Duration) {
	initMetrics()
	completionTotal.WithLabelValues(model, outcome).Inc()
	completionDuration.WithLabelValues(model, outcome).Observe(elapsed.Seconds())
}

func MetricsHandler() http.Handler {
	initMetrics()
	return promhttp.Handler()
}

// routeLabel prefers the matched chi pattern so path parameters do not
// explode label cardinality. Unmatched requests share a single label.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
		return "unmatched"
	}
	return r.URL.Path
}

func initMetrics() {
	metricsOnce.Do(func() {
		reqTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdesk_http_requests_total",
			Help: "Total HTTP requests handled by service and route.",
		}, []string{"service", "method", "path", "status"})
		reqDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatdesk_http_request_duration_seconds",
			Help:    "HTTP request duration by service and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method", "path", "status"})
		completionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdesk_completions_total",
			Help: "Completion backend calls by model and outcome.",
		}, []string{"model", "outcome"})
		completionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatdesk_completion_duration_seconds",
			Help:    "Completion backend latency by model and outcome.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model", "outcome"})
		prometheus.MustRegister(reqTotal, reqDuration, completionTotal, completionDuration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
