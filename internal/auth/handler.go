// handler.go -- AuthHandler dependencies and the login/session endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/warden/internal/background"
	"github.com/MGallo-Code/warden/internal/lockout"
	"github.com/MGallo-Code/warden/internal/metrics"
	"github.com/MGallo-Code/warden/internal/otp"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tempreg"
	"github.com/MGallo-Code/warden/internal/threat"
)

// Store defines database operations needed by auth handlers.
// Satisfied by *store.PostgresStore, defined here at the consumer.
type Store interface {
	// CreateUser inserts a verified user. Returns *store.DuplicateError on a unique violation.
	CreateUser(ctx context.Context, u store.NewUser) error

	// GetUserByEmail, GetUserByPhone and GetUserByID return pgx.ErrNoRows when absent.
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*store.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	CreateSession(ctx context.Context, id, userID uuid.UUID, tokenHash []byte, expiresAt time.Time, ip, userAgent *string) error

	// GetSessionByTokenHash fetches valid (non-expired) session by token hash.
	// Returns pgx.ErrNoRows if not found or expired.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	DeleteSession(ctx context.Context, tokenHash []byte) error

	CheckHealth(ctx context.Context) error
}

// SessionCache defines session cache operations needed by auth handlers.
// Satisfied by *store.RedisStore and store.NoopSessionCache.
type SessionCache interface {
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)
	SetSession(ctx context.Context, tokenHash string, sess store.Session, ttl time.Duration) error
	DeleteSession(ctx context.Context, tokenHash string, userID uuid.UUID) error
	CheckHealth(ctx context.Context) error
}

// TaskRunner accepts fire-and-forget work. Satisfied by *background.Queue and background.Inline.
type TaskRunner interface {
	Submit(t background.Task) error
}

// AuthHandler holds dependencies for all auth HTTP handlers and middleware.
type AuthHandler struct {
	PS Store
	RS SessionCache

	Pending *tempreg.Holder
	OTP     *otp.Service
	Lockout *lockout.Tracker
	Threats *threat.Detector

	Tasks   TaskRunner
	Metrics *metrics.Metrics

	Cookies    CookieConfig
	SessionTTL time.Duration
}

// userResponse is the public view of a user.
type userResponse struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	FirstName     string    `json:"firstName"`
	LastName      string    `json:"lastName"`
	PhoneNumber   string    `json:"phoneNumber"`
	PhoneVerified bool      `json:"phoneVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		PhoneNumber:   otp.MaskPhone(u.Phone),
		PhoneVerified: u.PhoneConfirmedAt != nil,
		CreatedAt:     u.CreatedAt,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login handles POST /login.
// Lockout is checked before any hashing; unknown emails verify against a dummy
// hash so both failure paths cost the same. Failures are recorded off the request path.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		BadRequest(w, r, "Email and password are required")
		return
	}
	origin := threat.Origin(r)

	if st := h.Lockout.IsLocked(email, origin); st.Locked {
		h.Metrics.LoginAttempt("locked")
		logWarn(r, "login blocked by lockout", "failed_attempts", st.FailedAttempts, "remaining", st.Remaining)
		// Attempts against a locked pair still count, so a persistent client escalates.
		h.submit(r, background.Task{
			Name: "record-locked-attempt",
			Run: func(ctx context.Context) error {
				h.Lockout.RecordFailure(ctx, email, origin)
				return nil
			},
		})
		writeError(w, r, &Error{
			Kind:       KindRateLimited,
			Message:    "Account temporarily locked due to too many failed login attempts",
			RetryAfter: st.Remaining,
		})
		return
	}

	user, err := h.PS.GetUserByEmail(r.Context(), email)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			InternalServerError(w, r, err)
			return
		}
		VerifyPassword(input.Password, dummyPasswordHash)
		logInfo(r, "login attempted with non-existent email")
		h.loginFailed(w, r, email, origin)
		return
	}
	if !VerifyPassword(input.Password, user.PasswordHash) {
		logInfo(r, "login attempted with incorrect password", "user_id", user.ID)
		h.loginFailed(w, r, email, origin)
		return
	}

	h.Lockout.Clear(r.Context(), email, origin)
	if err := h.startSession(w, r, user.ID); err != nil {
		InternalServerError(w, r, err)
		return
	}
	h.Metrics.LoginAttempt("success")
	logInfo(r, "user logged in successfully", "user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserResponse(user)})
}

// loginFailed schedules lockout and brute-force bookkeeping and answers with a generic 401.
func (h *AuthHandler) loginFailed(w http.ResponseWriter, r *http.Request, email, origin string) {
	h.Metrics.LoginAttempt("failure")
	h.submit(r, background.Task{
		Name: "record-login-failure",
		Run: func(ctx context.Context) error {
			h.Lockout.RecordFailure(ctx, email, origin)
			h.Threats.RecordBruteForce(ctx, origin)
			return nil
		},
	})
	Unauthorized(w, r, "Invalid credentials")
}

// submit hands t to the task runner, running it inline if the queue cannot take it.
func (h *AuthHandler) submit(r *http.Request, t background.Task) {
	if h.Tasks != nil {
		err := h.Tasks.Submit(t)
		if err == nil {
			return
		}
		if !errors.Is(err, background.ErrQueueFull) && !errors.Is(err, background.ErrQueueClosed) {
			logWarn(r, "background task failed", "task", t.Name, "error", err)
			return
		}
		logWarn(r, "task queue unavailable, running inline", "task", t.Name, "error", err)
	}
	if err := (background.Inline{}).Submit(t); err != nil {
		logWarn(r, "inline task failed", "task", t.Name, "error", err)
	}
}

// startSession creates a session row, caches it and sets the cookie.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	token, tokenHash, err := GenerateToken()
	if err != nil {
		return err
	}
	sessionID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	ttl := h.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	expiresAt := time.Now().Add(ttl)
	ip := threat.Origin(r)
	userAgent := r.UserAgent()

	if err := h.PS.CreateSession(r.Context(), sessionID, userID, tokenHash[:], expiresAt, &ip, &userAgent); err != nil {
		return err
	}

	// Cache in Redis. Non-fatal, Postgres is source of truth.
	sess := store.Session{ID: sessionID, UserID: userID, TokenHash: tokenHash[:], ExpiresAt: expiresAt}
	if err := h.RS.SetSession(r.Context(), cacheKey(tokenHash[:]), sess, ttl); err != nil {
		logWarn(r, "failed to cache session in redis", "error", err)
	}

	h.Cookies.SetSessionCookie(w, r, *token, expiresAt)
	return nil
}

// Logout handles POST /logout. Ends the current session if there is one and
// always clears the cookie, so it is safe to call twice.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, tokenHash, err := h.lookupSession(r)
	switch {
	case err == nil:
		if err := h.RS.DeleteSession(r.Context(), cacheKey(tokenHash), userID); err != nil {
			logWarn(r, "failed to delete session from redis", "error", err)
		}
		if err := h.PS.DeleteSession(r.Context(), tokenHash); err != nil {
			InternalServerError(w, r, err)
			return
		}
		logInfo(r, "user logged out", "user_id", userID)
	case errors.Is(err, http.ErrNoCookie), errors.Is(err, errBadCookie), errors.Is(err, pgx.ErrNoRows):
		logDebug(r, "logout without a live session")
	default:
		InternalServerError(w, r, err)
		return
	}

	h.Cookies.ClearSessionCookie(w, r)
	OK(w, "Logged out successfully")
}

// Me handles GET /user and returns the authenticated user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
		return
	}
	user, err := h.PS.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			Unauthorized(w, r, "unauthorized")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserResponse(user)})
}
