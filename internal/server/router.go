package server

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/shared"
)

// NewRouter creates the chi router with request ids, panic recovery, request logging and
// metrics, and mounts handlers on it. /metrics is served when m is set.
func NewRouter(logger *log.Logger, m *metrics.Metrics, handlers ...Handler) chi.Router {
	if logger == nil {
		logger = shared.WithLogger(nil)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, Logging(logger), Instrument(m), middleware.Recoverer)

	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	for _, h := range handlers {
		h.Register(r)
	}
	return r
}

// Logging logs one line per request.
func Logging(logger *log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logFn := logger.Debug
			if status >= 500 {
				logFn = logger.Warn
			}
			logFn("request", "method", r.Method, "path", r.URL.Path, "status", status,
				"bytes", ww.BytesWritten(), "duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// Instrument records request counts and latencies by route pattern.
func Instrument(m *metrics.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(route, r.Method, status, time.Since(start))
		})
	}
}
