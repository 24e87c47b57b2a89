package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/roomcast/backend/internal/auth"
	"github.com/roomcast/backend/internal/logging"
)

// TokenVerifier resolves a bearer token to an identity.
type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// IdentityRecorder keeps the local user projection current.
type IdentityRecorder interface {
	Ensure(ctx context.Context, identity auth.Identity) error
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller's identity on the request context.
func Authenticate(tokens TokenVerifier, directory IdentityRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger := logging.FromContext(ctx)

			identity, err := tokens.Verify(auth.TokenFromRequest(r, false))
			if err != nil {
				logger.Warn("authentication failed", "error", err)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if directory != nil {
				if err := directory.Ensure(ctx, identity); err != nil {
					logger.Error("record identity failed", "userId", identity.UserID, "error", err)
					writeError(w, http.StatusInternalServerError, "unable to record identity")
					return
				}
			}

			ctx = logging.WithLogger(ctx, logger.With("userId", identity.UserID))
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, identity)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
