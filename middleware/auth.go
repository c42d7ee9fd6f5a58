package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AuthProvider handles authentication logic
type AuthProvider interface {
	GetUserEmail(r *http.Request) (string, error)
	CreateOrGetMember(ctx context.Context, email string) (*ContextMember, error)
}

// AuthMiddleware resolves the tailnet identity of each request to a
// board member and stores it in the request context. Requests without a
// resolvable identity are rejected.
func AuthMiddleware(provider AuthProvider, tracer trace.Tracer) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if tracer != nil {
				var span trace.Span
				ctx, span = tracer.Start(ctx, "auth.middleware",
					trace.WithAttributes(
						attribute.String("auth.provider", "tailscale"),
					),
				)
				defer span.End()
			}

			email, err := provider.GetUserEmail(r)
			if err != nil {
				logger := GetLogger(ctx)
				logger.WarnContext(ctx, "authentication failed",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)

				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.RecordError(err)
					span.SetStatus(codes.Error, "authentication failed")
				}

				http.Error(w, "Authentication required", http.StatusUnauthorized)
				return
			}

			member, err := provider.CreateOrGetMember(ctx, email)
			if err != nil {
				logger := GetLogger(ctx)
				logger.ErrorContext(ctx, "failed to create or get member",
					slog.String("error", err.Error()),
					slog.String("email_hash", HashEmail(email)),
				)

				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.RecordError(err)
					span.SetStatus(codes.Error, "member lookup failed")
				}

				http.Error(w, "Internal error", http.StatusInternalServerError)
				return
			}

			if rc, ok := getRequestContext(ctx); ok {
				rc.Member = member
			} else {
				rc := newRequestContext()
				rc.Member = member
				ctx = withRequestContext(ctx, rc)
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("member.id", member.ID.String()),
					attribute.Bool("member.is_admin", member.IsAdmin),
				)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdminMiddleware ensures the member is an admin
func RequireAdminMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAdmin(r) {
				logger := GetLogger(r.Context())
				if member, ok := GetMember(r.Context()); ok {
					logger.WarnContext(r.Context(), "non-admin member attempted admin action",
						slog.String("member_id", member.ID.String()),
						slog.String("path", r.URL.Path),
					)
				}
				http.Error(w, "Admin access required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashEmail returns a short hash suitable for logging an email without
// recording the address itself.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:8])
}
