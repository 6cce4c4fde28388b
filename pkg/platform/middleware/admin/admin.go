// Package admin guards operator endpoints (custody key management) with a
// shared admin token whose bcrypt hash is configured at startup.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	dErrors "certify/pkg/domain-errors"
	"certify/pkg/platform/httputil"
	"certify/pkg/requestcontext"
	"certify/pkg/secrets"
)

const (
	HeaderToken = "X-Admin-Token"
	HeaderActor = "X-Admin-Actor-ID"
)

type actorKey struct{}

// ActorID returns the operator named in X-Admin-Actor-ID, or "".
func ActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}

// RequireAdminToken admits requests whose X-Admin-Token matches tokenHash.
// An empty hash disables the guarded routes entirely.
func RequireAdminToken(tokenHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := r.Header.Get(HeaderToken)
			if tokenHash == "" || token == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}
			if err := secrets.Verify(token, tokenHash); err != nil {
				logger.WarnContext(ctx, "admin token mismatch",
					"error", err,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "admin token required"))
				return
			}
			if actor := r.Header.Get(HeaderActor); actor != "" {
				ctx = context.WithValue(ctx, actorKey{}, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
