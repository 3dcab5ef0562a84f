// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/warden/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"
const tokenHashKey contextKey = "token_hash"

// UserIDFromContext retrieves authenticated user's ID from context.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// TokenHashFromContext retrieves session token hash from context.
// Returns nil and false if RequireAuth hasn't run.
func TokenHashFromContext(ctx context.Context) ([]byte, bool) {
	hash, ok := ctx.Value(tokenHashKey).([]byte)
	return hash, ok
}

func cacheKey(tokenHash []byte) string {
	return base64.RawURLEncoding.EncodeToString(tokenHash)
}

// lookupSession resolves the request's session cookie to a user, checking
// Redis first and falling back to Postgres. A Postgres hit repopulates the cache.
func (h *AuthHandler) lookupSession(r *http.Request) (uuid.UUID, []byte, error) {
	token, err := h.Cookies.sessionToken(r)
	if err != nil {
		return uuid.Nil, nil, err
	}
	sum := sha256.Sum256(token)
	tokenHash := sum[:]
	key := cacheKey(tokenHash)

	cached, err := h.RS.GetSession(r.Context(), key)
	if err == nil {
		return cached.UserID, tokenHash, nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		logError(r, "redis session lookup failed, falling back to postgres", "error", err)
	}

	sess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash)
	if err != nil {
		return uuid.Nil, nil, err
	}
	// Redis treats a zero TTL as no expiry, so only cache sessions with time left.
	if ttl := time.Until(sess.ExpiresAt); ttl > time.Second {
		if err := h.RS.SetSession(r.Context(), key, *sess, ttl); err != nil {
			logWarn(r, "failed to repopulate session cache", "error", err)
		}
	}
	return sess.UserID, tokenHash, nil
}

// RequireAuth validates the session cookie and injects user_id and token_hash
// into the request context; returns 401 on failure.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, tokenHash, err := h.lookupSession(r)
		if err != nil {
			switch {
			case errors.Is(err, http.ErrNoCookie):
				logDebug(r, "require auth failed", "reason", "missing_session_cookie")
			case errors.Is(err, errBadCookie):
				logWarn(r, "require auth failed", "reason", "bad_cookie_signature")
			case errors.Is(err, pgx.ErrNoRows):
				logWarn(r, "require auth failed", "reason", "session_not_found")
			default:
				logError(r, "require auth failed fetching session from db", "error", err)
			}
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, tokenHashKey, tokenHash)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
