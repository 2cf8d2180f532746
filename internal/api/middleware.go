package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/dental-appointment-workflow/pkg/logging"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// RequestIDMiddleware adds a unique request ID to each request context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware stores a request-scoped logger in the context and logs
// method, path, status, duration and request ID once the handler returns.
func LoggingMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := GetRequestID(r.Context())
			reqLogger := logger.With("request_id", requestID)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			ctx := context.WithValue(r.Context(), loggerKey, reqLogger)

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			reqLogger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func loggerFrom(ctx context.Context) *logging.Logger {
	if l, ok := ctx.Value(loggerKey).(*logging.Logger); ok {
		return l
	}
	return logging.Default()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
