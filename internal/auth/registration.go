// registration.go -- Phone-verified registration: /register, /verify-sms, /resend-sms.
//
// A registration moves through policy check, duplicate check, code send and a
// temporary hold keyed by phone. Only a verified code turns the held payload
// into a user row, and only then is a session started.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/warden/internal/otp"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tempreg"
)

const (
	msgInvalidPhone        = "Invalid phone number format."
	msgRegistrationExpired = "Registration session expired. Please register again."
	msgSendFailed          = "Failed to send verification code. Please try again."
)

type registerInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	PhoneNumber string `json:"phoneNumber"`
}

// Register handles POST /register.
// Returns 202 once a code is on its way; the account exists only after /verify-sms.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input registerInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	phone, err := h.register(r.Context(), input)
	if err != nil {
		logRegistrationFailure(r, "registration rejected", err)
		writeError(w, r, err)
		return
	}

	h.Metrics.Registration("held")
	logInfo(r, "registration pending verification", "phone", otp.MaskPhone(phone))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":              "Verification code sent. Please verify your phone number to complete registration.",
		"verificationRequired": true,
		"maskedPhone":          otp.MaskPhone(phone),
	})
}

// register runs every gate up to the temporary hold and returns the normalized phone.
func (h *AuthHandler) register(ctx context.Context, in registerInput) (string, error) {
	email := normalizeEmail(in.Email)
	if msg := ValidateEmail(email); msg != "" {
		return "", validationError(msg)
	}
	if msg := ValidateName("First name", in.FirstName); msg != "" {
		return "", validationError(msg)
	}
	if msg := ValidateName("Last name", in.LastName); msg != "" {
		return "", validationError(msg)
	}
	if strings.TrimSpace(in.PhoneNumber) == "" {
		return "", validationError("Phone number is required")
	}

	if err := CheckPassword(in.Password); err != nil {
		return "", &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}

	phone, err := h.OTP.Normalize(in.PhoneNumber)
	if err != nil {
		return "", &Error{Kind: KindValidation, Message: msgInvalidPhone, Err: err}
	}

	if err := h.checkDuplicate(ctx, email, phone); err != nil {
		return "", err
	}

	// Hashed before the hold so plaintext never leaves this request.
	hash, err := HashPassword(in.Password)
	if err != nil {
		return "", internalError(err)
	}

	if err := h.sendCode(ctx, phone); err != nil {
		return "", err
	}

	err = h.Pending.Put(ctx, phone, tempreg.Registration{
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	})
	if err != nil {
		// Without a hold the code is unusable; withdraw it rather than leave it verifiable.
		if cerr := h.OTP.Cancel(context.WithoutCancel(ctx), phone); cerr != nil {
			slog.Error("failed to cancel code after hold failure", "phone", otp.MaskPhone(phone), "error", cerr)
		}
		return "", internalError(err)
	}
	return phone, nil
}

func (h *AuthHandler) checkDuplicate(ctx context.Context, email, phone string) error {
	if _, err := h.PS.GetUserByEmail(ctx, email); err == nil {
		return &Error{Kind: KindDuplicate, Message: "An account with this email already exists"}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return internalError(fmt.Errorf("checking email: %w", err))
	}
	if _, err := h.PS.GetUserByPhone(ctx, phone); err == nil {
		return &Error{Kind: KindDuplicate, Message: "An account with this phone number already exists"}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return internalError(fmt.Errorf("checking phone: %w", err))
	}
	return nil
}

// sendCode maps an OTP send outcome onto the error taxonomy.
func (h *AuthHandler) sendCode(ctx context.Context, phone string) error {
	res, err := h.OTP.Send(ctx, phone)
	if err != nil {
		return &Error{Kind: KindDependency, Message: msgSendFailed, Err: err}
	}
	if !res.Success {
		return validationError(res.Message)
	}
	return nil
}

// VerifySMS handles POST /verify-sms.
// Consumes the code, materializes the held registration as a user and starts a session.
func (h *AuthHandler) VerifySMS(w http.ResponseWriter, r *http.Request) {
	var input struct {
		PhoneNumber      string `json:"phoneNumber"`
		VerificationCode string `json:"verificationCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode verify input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}
	if strings.TrimSpace(input.PhoneNumber) == "" || strings.TrimSpace(input.VerificationCode) == "" {
		BadRequest(w, r, "Phone number and verification code are required")
		return
	}

	user, err := h.verify(r.Context(), input.PhoneNumber, input.VerificationCode)
	if err != nil {
		logRegistrationFailure(r, "phone verification failed", err)
		writeError(w, r, err)
		return
	}

	if err := h.startSession(w, r, user.ID); err != nil {
		// The account exists; the user can still log in normally.
		InternalServerError(w, r, err)
		return
	}
	h.Metrics.Registration("verified")
	logInfo(r, "user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "Registration complete",
		"user":    newUserResponse(user),
	})
}

// verify checks the code against the held registration and creates the user.
func (h *AuthHandler) verify(ctx context.Context, rawPhone, code string) (*store.User, error) {
	phone, err := h.OTP.Normalize(rawPhone)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: msgInvalidPhone, Err: err}
	}

	reg, found, err := h.Pending.Get(ctx, phone)
	if err != nil {
		return nil, internalError(err)
	}
	if !found {
		return nil, notFoundError(msgRegistrationExpired)
	}

	res, err := h.OTP.Verify(ctx, phone, code)
	if err != nil {
		return nil, internalError(err)
	}
	if !res.Success {
		if res.Reason == otp.ReasonMismatch {
			return nil, validationError(res.Message)
		}
		return nil, notFoundError(res.Message)
	}

	userID, err := uuid.NewV7()
	if err != nil {
		return nil, internalError(err)
	}
	now := time.Now().UTC()
	err = h.PS.CreateUser(ctx, store.NewUser{
		ID:               userID,
		Email:            reg.Email,
		Phone:            phone,
		FirstName:        reg.FirstName,
		LastName:         reg.LastName,
		PasswordHash:     reg.PasswordHash,
		PhoneConfirmedAt: now,
	})
	if err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			// Someone else claimed the email or phone while this one was pending.
			h.dropPending(ctx, phone)
			return nil, &Error{Kind: KindDuplicate, Message: "An account with this " + dup.Column + " already exists", Err: err}
		}
		return nil, internalError(err)
	}
	h.dropPending(ctx, phone)

	return &store.User{
		ID:               userID,
		Email:            reg.Email,
		Phone:            phone,
		FirstName:        reg.FirstName,
		LastName:         reg.LastName,
		PhoneConfirmedAt: &now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (h *AuthHandler) dropPending(ctx context.Context, phone string) {
	if err := h.Pending.Delete(ctx, phone); err != nil {
		// Expires on its own within the hold TTL.
		slog.Warn("failed to drop pending registration", "phone", otp.MaskPhone(phone), "error", err)
	}
}

// ResendSMS handles POST /resend-sms. Requires a registration still on hold.
func (h *AuthHandler) ResendSMS(w http.ResponseWriter, r *http.Request) {
	var input struct {
		PhoneNumber string `json:"phoneNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		logWarn(r, "failed to decode resend input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	phone, err := h.resend(r.Context(), input.PhoneNumber)
	if err != nil {
		logRegistrationFailure(r, "resend rejected", err)
		writeError(w, r, err)
		return
	}
	logInfo(r, "verification code resent", "phone", otp.MaskPhone(phone))
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Verification code sent successfully.",
		"maskedPhone": otp.MaskPhone(phone),
	})
}

func (h *AuthHandler) resend(ctx context.Context, rawPhone string) (string, error) {
	if strings.TrimSpace(rawPhone) == "" {
		return "", validationError("Phone number is required")
	}
	phone, err := h.OTP.Normalize(rawPhone)
	if err != nil {
		return "", &Error{Kind: KindValidation, Message: msgInvalidPhone, Err: err}
	}
	_, found, err := h.Pending.Get(ctx, phone)
	if err != nil {
		return "", internalError(err)
	}
	if !found {
		return "", notFoundError(msgRegistrationExpired)
	}
	if err := h.sendCode(ctx, phone); err != nil {
		return "", err
	}
	return phone, nil
}

// logRegistrationFailure logs client-caused failures at info; internal ones are logged by writeError.
func logRegistrationFailure(r *http.Request, msg string, err error) {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal && e.Kind != KindDependency {
		logInfo(r, msg, "reason", e.Message)
	}
}
