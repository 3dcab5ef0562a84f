// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrDuplicate is returned by CreateUser when the email or phone is already registered.
// Callers use errors.Is; Column says which unique constraint fired.
var ErrDuplicate = errors.New("duplicate user")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopSessionCache.CheckHealth when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// DuplicateError wraps ErrDuplicate with the offending column ("email" or "phone").
type DuplicateError struct {
	Column string
}

func (e *DuplicateError) Error() string { return e.Column + " already registered" }

func (e *DuplicateError) Unwrap() error { return ErrDuplicate }

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID               uuid.UUID
	Email            string
	Phone            string
	FirstName        string
	LastName         string
	PasswordHash     string
	PhoneConfirmedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewUser holds the columns the caller supplies when materializing an account.
// ID is a caller-generated UUIDv7; PasswordHash is already derived.
type NewUser struct {
	ID               uuid.UUID
	Email            string
	Phone            string
	FirstName        string
	LastName         string
	PasswordHash     string
	PhoneConfirmedAt time.Time
}

// Session represents a row in the sessions table.
// Nullable columns are pointers; nil means SQL NULL.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation. Full metadata lives in Postgres.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuditEntry represents a row in the append-only audit_logs table.
// Identity is nil when no user is identified (e.g. threat alerts).
// Metadata holds optional event context as a raw JSON blob.
type AuditEntry struct {
	Action      string
	Severity    string
	Identity    *string
	IPAddress   *string
	Description *string
	Metadata    []byte
	CreatedAt   time.Time
}
