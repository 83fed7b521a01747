package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/warp/household-points/logging"
	"github.com/warp/household-points/points"
)

// UserHeader carries the caller's identity. It is trusted: authentication
// happens upstream.
const UserHeader = "X-User-ID"

type ctxKey string

const userKey ctxKey = "user_id"

// Identity rejects requests without a caller id with 401.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing " + UserHeader + " header"})
			return
		}
		ctx := context.WithValue(r.Context(), userKey, points.UserID(id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly limits a route group to the listed users with 403. An empty
// list lets every identified caller through.
func AdminOnly(admins []string) func(http.Handler) http.Handler {
	allowed := make(map[points.UserID]bool, len(admins))
	for _, id := range admins {
		allowed[points.UserID(id)] = true
	}
	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allowed[caller(r)] {
				writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin only"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// caller returns the identity stored by Identity.
func caller(r *http.Request) points.UserID {
	id, _ := r.Context().Value(userKey).(points.UserID)
	return id
}

// =============================================================================
// METRICS
// =============================================================================

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"path", "code"},
	)

	httpRequestsError = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "points_http_errors_total",
			Help: "HTTP responses with a 4xx or 5xx status",
		},
		[]string{"path", "code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "points_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "code"},
	)
)

// Metrics records request counts and latency labelled by route pattern,
// so ids in the URL do not explode label cardinality.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"path": path, "code": strconv.Itoa(status)}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
		if status >= http.StatusBadRequest {
			httpRequestsError.With(labels).Inc()
		}
	})
}

// RequestLogger logs one line per request with the chi request id.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logging.WithRequestID(r.Context(), logger).Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("user_id", r.Header.Get(UserHeader)),
			)
		})
	}
}
