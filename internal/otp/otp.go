// Package otp issues and checks the one-time SMS codes that prove phone possession.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/MGallo-Code/warden/internal/kv"
	"github.com/MGallo-Code/warden/internal/metrics"
	"github.com/MGallo-Code/warden/internal/sms"
)

const (
	// CodeLength is the number of digits in a code.
	CodeLength = 6
	// CodeTTL is how long a code can be verified after it is sent.
	CodeTTL = 10 * time.Minute
	// MaxAttempts is how many wrong guesses a code survives.
	MaxAttempts = 3

	// recordGrace keeps expired records around briefly so Verify can say
	// "expired" rather than "not found". Expiry itself is decided by ExpiresAt.
	recordGrace = 5 * time.Minute
)

// Reason is a machine-readable outcome, also used as the metrics label.
type Reason string

const (
	ReasonSent           Reason = "sent"
	ReasonInvalidPhone   Reason = "invalid_phone"
	ReasonDeliveryFailed Reason = "delivery_failed"
	ReasonVerified       Reason = "verified"
	ReasonNotFound       Reason = "not_found"
	ReasonExpired        Reason = "expired"
	ReasonTooManyTries   Reason = "too_many_attempts"
	ReasonMismatch       Reason = "invalid_code"
)

// Result is returned by Send and Verify. Message is safe to show the user.
type Result struct {
	Success bool
	Message string
	Reason  Reason
}

// Record is the stored state of one outstanding code.
type Record struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Options tune a Service. The zero value is usable.
type Options struct {
	// RequireCountryCode rejects numbers without a leading '+' instead of guessing.
	RequireCountryCode bool
	Metrics            *metrics.Metrics
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Service issues and verifies codes. Records are keyed by normalized phone number.
type Service struct {
	store   kv.Store[Record]
	sender  sms.Sender
	strict  bool
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a Service storing codes in store and delivering them through sender.
func New(store kv.Store[Record], sender sms.Sender, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   store,
		sender:  sender,
		strict:  opts.RequireCountryCode,
		metrics: opts.Metrics,
		now:     now,
	}
}

// Normalize returns the canonical form of raw, or an error if it is not a
// usable phone number under this service's rules.
func (s *Service) Normalize(raw string) (string, error) {
	var phone string
	if s.strict {
		p, err := NormalizePhoneStrict(raw)
		if err != nil {
			return "", err
		}
		phone = p
	} else {
		phone = NormalizePhone(raw)
	}
	if !ValidatePhone(phone) {
		return "", fmt.Errorf("invalid phone number %q", MaskPhone(phone))
	}
	return phone, nil
}

// Send generates a fresh code for phone, replacing any outstanding one, and texts it.
// A delivery failure removes the stored code and is returned as an error alongside the result.
func (s *Service) Send(ctx context.Context, phone string) (Result, error) {
	phone, err := s.Normalize(phone)
	if err != nil {
		s.metrics.OTPSent(string(ReasonInvalidPhone))
		return Result{Message: "Invalid phone number format.", Reason: ReasonInvalidPhone}, nil
	}

	code, err := generateCode()
	if err != nil {
		return Result{Message: "Failed to send verification code. Please try again.", Reason: ReasonDeliveryFailed},
			fmt.Errorf("generating code: %w", err)
	}

	rec := Record{Code: code, ExpiresAt: s.now().Add(CodeTTL)}
	if err := s.store.Put(ctx, phone, rec, CodeTTL+recordGrace); err != nil {
		return Result{Message: "Failed to send verification code. Please try again.", Reason: ReasonDeliveryFailed},
			fmt.Errorf("storing code: %w", err)
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(CodeTTL.Minutes()))
	if err := s.sender.Send(ctx, phone, body); err != nil {
		if delErr := s.store.Delete(context.WithoutCancel(ctx), phone); delErr != nil {
			slog.Error("failed to remove undelivered code", "phone", MaskPhone(phone), "error", delErr)
		}
		s.metrics.OTPSent(string(ReasonDeliveryFailed))
		return Result{Message: "Failed to send verification code. Please try again.", Reason: ReasonDeliveryFailed},
			fmt.Errorf("sending code: %w", err)
	}

	s.metrics.OTPSent(string(ReasonSent))
	slog.Info("verification code sent", "phone", MaskPhone(phone))
	return Result{Success: true, Message: "Verification code sent successfully.", Reason: ReasonSent}, nil
}

// Verify checks input against the outstanding code for phone. The read, the
// attempt increment and any deletion happen atomically per phone.
func (s *Service) Verify(ctx context.Context, phone, input string) (Result, error) {
	phone, err := s.Normalize(phone)
	if err != nil {
		return Result{Message: "No verification code found. Please request a new code.", Reason: ReasonNotFound}, nil
	}
	input = strings.TrimSpace(input)

	var res Result
	err = s.store.Update(ctx, phone, func(rec Record, found bool) (Record, kv.Op, error) {
		switch {
		case !found:
			res = Result{Message: "No verification code found. Please request a new code.", Reason: ReasonNotFound}
			return rec, kv.Keep, nil
		case !s.now().Before(rec.ExpiresAt):
			res = Result{Message: "Verification code has expired. Please request a new code.", Reason: ReasonExpired}
			return rec, kv.Remove, nil
		case rec.Attempts >= MaxAttempts:
			res = Result{Message: "Too many failed attempts. Please request a new code.", Reason: ReasonTooManyTries}
			return rec, kv.Remove, nil
		}

		rec.Attempts++
		if subtle.ConstantTimeCompare([]byte(input), []byte(rec.Code)) == 1 {
			res = Result{Success: true, Message: "Phone number verified successfully.", Reason: ReasonVerified}
			return rec, kv.Remove, nil
		}
		res = Result{
			Message: fmt.Sprintf("Invalid verification code. %d attempts remaining.", MaxAttempts-rec.Attempts),
			Reason:  ReasonMismatch,
		}
		return rec, kv.Save, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("verifying code: %w", err)
	}

	s.metrics.OTPVerification(string(res.Reason))
	if !res.Success {
		slog.Debug("verification failed", "phone", MaskPhone(phone), "reason", res.Reason)
	}
	return res, nil
}

// HasPending reports whether phone has an unexpired code outstanding.
func (s *Service) HasPending(ctx context.Context, phone string) (bool, error) {
	phone, err := s.Normalize(phone)
	if err != nil {
		return false, nil
	}
	rec, found, err := s.store.Get(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("checking pending code: %w", err)
	}
	return found && s.now().Before(rec.ExpiresAt), nil
}

// Cancel withdraws any outstanding code for phone so it can no longer be verified.
func (s *Service) Cancel(ctx context.Context, phone string) error {
	phone, err := s.Normalize(phone)
	if err != nil {
		return nil
	}
	if err := s.store.Delete(ctx, phone); err != nil {
		return fmt.Errorf("cancelling code: %w", err)
	}
	return nil
}

// Sweep drops expired records from the backing store.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx)
}

// generateCode returns a uniformly random CodeLength-digit string.
func generateCode() (string, error) {
	limit := big.NewInt(1)
	for range CodeLength {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
