package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const contextKeyLogger contextKey = "tforum.logger"

// LoggingMiddleware attaches a request-scoped logger to the context and
// logs one line per completed request.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			requestLogger := logger.With(
				slog.String("request_id", GetRequestID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			ctx := context.WithValue(r.Context(), contextKeyLogger, requestLogger)

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			requestLogger.InfoContext(ctx, "request_completed",
				slog.Int("status", wrapped.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.BytesWritten()),
			)
		})
	}
}

// GetLogger retrieves the request-scoped logger from context.
func GetLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKeyLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}
