package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meshgate/toolgateway/pkg/logger"
)

// responseWriter wraps http.ResponseWriter to capture the status code
// written, the way the teacher's infrastructure/middleware/metrics.go
// responseWriter does.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// requestLogger assigns each request a uuid-backed request id, attaches it
// to the request context, and logs method/path/status/duration on
// completion. Grounded on the teacher's infrastructure/middleware/logging.go,
// re-expressed as a plain func(http.Handler) http.Handler for chi instead of
// gorilla/mux.MiddlewareFunc.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := uuid.NewString()
			ctx := logger.ContextWithRequestID(r.Context(), reqID)
			r = r.WithContext(ctx)

			w.Header().Set("X-Request-Id", reqID)
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			log.WithContext(ctx).WithFields(map[string]any{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rw.statusCode,
				"duration": time.Since(start).String(),
			}).Info("http request")
		})
	}
}

// recoverer turns a panicking handler into a 500 response instead of
// crashing the server, grounded on the teacher's
// infrastructure/middleware/recovery.go.
func recoverer(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithContext(r.Context()).WithField("panic", rec).Error("panic recovered in http handler")
					writeErrorEnvelope(w, http.StatusInternalServerError, "internal", "internal server error", false)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestTimeout bounds how long a single request's context may run,
// grounded on the teacher's infrastructure/middleware/timeout.go.
func requestTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
