// Package tempreg holds registrations that are waiting for phone verification.
package tempreg

import (
	"context"
	"fmt"
	"time"

	"github.com/MGallo-Code/warden/internal/kv"
)

// TTL is how long a pending registration survives after it is put.
const TTL = 15 * time.Minute

// SweepInterval is how often abandoned registrations are purged.
const SweepInterval = 5 * time.Minute

// Registration is the signup payload held until the phone is verified.
// PasswordHash is already derived; plaintext passwords are never held.
type Registration struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Phone        string    `json:"phone"`
	CreatedAt    time.Time `json:"created_at"`
}

// Holder stores pending registrations keyed by normalized phone.
type Holder struct {
	store kv.Store[Registration]
	now   func() time.Time
}

// New returns a Holder backed by store. now may be nil.
func New(store kv.Store[Registration], now func() time.Time) *Holder {
	if now == nil {
		now = time.Now
	}
	return &Holder{store: store, now: now}
}

// Put holds reg under phone, replacing any earlier registration for that phone.
func (h *Holder) Put(ctx context.Context, phone string, reg Registration) error {
	reg.Phone = phone
	reg.CreatedAt = h.now()
	if err := h.store.Put(ctx, phone, reg, TTL); err != nil {
		return fmt.Errorf("holding registration: %w", err)
	}
	return nil
}

// Get returns the pending registration for phone. Expired registrations are absent.
func (h *Holder) Get(ctx context.Context, phone string) (Registration, bool, error) {
	reg, found, err := h.store.Get(ctx, phone)
	if err != nil {
		return Registration{}, false, fmt.Errorf("reading registration: %w", err)
	}
	return reg, found, nil
}

// Delete drops the pending registration for phone.
func (h *Holder) Delete(ctx context.Context, phone string) error {
	if err := h.store.Delete(ctx, phone); err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	return nil
}

// Sweep purges expired registrations.
func (h *Holder) Sweep(ctx context.Context) (int, error) {
	return h.store.Sweep(ctx)
}
