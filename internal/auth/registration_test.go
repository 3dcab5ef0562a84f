// registration_test.go

// unit tests for Register, VerifySMS and ResendSMS.

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/warden/internal/kv"
	"github.com/MGallo-Code/warden/internal/tempreg"
)

// --- Helper Functions ---

const localPhone = "08031234567"

// failingHold is a pending-registration store whose writes always fail.
type failingHold struct {
	kv.Store[tempreg.Registration]
}

func (failingHold) Put(context.Context, string, tempreg.Registration, time.Duration) error {
	return errors.New("redis: connection refused")
}

func registerBody(email, password, phone string) string {
	return `{"email":"` + email + `","password":"` + password +
		`","firstName":"Ada","lastName":"Lovelace","phoneNumber":"` + phone + `"}`
}

func (e *testEnv) register(body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.h.Register(w, postJSON("/register", body, ""))
	return w
}

func (e *testEnv) verify(phone, code string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.h.VerifySMS(w, postJSON("/verify-sms", `{"phoneNumber":"`+phone+`","verificationCode":"`+code+`"}`, ""))
	return w
}

func (e *testEnv) resend(phone string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.h.ResendSMS(w, postJSON("/resend-sms", `{"phoneNumber":"`+phone+`"}`, ""))
	return w
}

// wrongCode returns a six-digit code that differs from code.
func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// --- Register ---

func TestRegister(t *testing.T) {
	t.Run("valid input holds registration and sends a code", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.register(registerBody(testEmail, testPassword, localPhone))

		assertStatus(t, w, http.StatusAccepted)
		body := decodeBody(t, w)
		if body["verificationRequired"] != true {
			t.Error("expected verificationRequired=true")
		}
		if body["maskedPhone"] != "+234******4567" {
			t.Errorf("maskedPhone: got %v", body["maskedPhone"])
		}
		if code := env.sender.CodeFor(testPhone); len(code) != 6 {
			t.Errorf("expected 6-digit code sent to %s, got %q", testPhone, code)
		}

		reg, found, err := env.h.Pending.Get(t.Context(), testPhone)
		if err != nil || !found {
			t.Fatalf("expected pending registration, found=%v err=%v", found, err)
		}
		if reg.Email != testEmail || reg.FirstName != "Ada" {
			t.Errorf("unexpected held payload: %+v", reg)
		}
		if strings.Contains(reg.PasswordHash, testPassword) || !VerifyPassword(testPassword, reg.PasswordHash) {
			t.Error("held payload should carry a hash of the password, never plaintext")
		}
		if len(env.ps.Users) != 0 {
			t.Error("no user should exist before verification")
		}
	})

	t.Run("weak password is rejected before any code is sent", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.register(registerBody(testEmail, "password", localPhone))

		assertStatus(t, w, http.StatusBadRequest)
		if msg, _ := decodeBody(t, w)["message"].(string); !strings.Contains(msg, "Password is too common") {
			t.Errorf("message should list policy feedback, got %q", msg)
		}
		if env.sender.CallCount() != 0 {
			t.Error("SMS must not be sent for a rejected password")
		}
	})

	t.Run("invalid fields return 400", func(t *testing.T) {
		tests := []struct {
			name string
			body string
			msg  string
		}{
			{"bad email", registerBody("nope", testPassword, localPhone), "Invalid email format"},
			{"missing phone", registerBody(testEmail, testPassword, ""), "Phone number is required"},
			{"bad phone", registerBody(testEmail, testPassword, "12"), msgInvalidPhone},
			{"missing first name", `{"email":"` + testEmail + `","password":"` + testPassword + `","lastName":"L","phoneNumber":"` + localPhone + `"}`, "First name is required"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				env := newTestEnv(t)
				w := env.register(tt.body)
				assertStatus(t, w, http.StatusBadRequest)
				assertMessage(t, w, tt.msg)
				if env.sender.CallCount() != 0 {
					t.Error("SMS must not be sent for invalid input")
				}
			})
		}
	})

	t.Run("duplicate email returns 400", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, "+2348099999999", testPassword))
		w := env.register(registerBody("USER@example.com", testPassword, localPhone))
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, "An account with this email already exists")
		if env.sender.CallCount() != 0 {
			t.Error("SMS must not be sent for a duplicate")
		}
	})

	t.Run("duplicate phone returns 400", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, "other@example.com", testPhone, testPassword))
		w := env.register(registerBody(testEmail, testPassword, "+234 803 123 4567"))
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, "An account with this phone number already exists")
	})

	t.Run("SMS failure returns 500 and holds nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.sender.SendErr = errors.New("carrier unavailable")
		w := env.register(registerBody(testEmail, testPassword, localPhone))

		assertStatus(t, w, http.StatusInternalServerError)
		assertMessage(t, w, msgSendFailed)
		if _, found, _ := env.h.Pending.Get(t.Context(), testPhone); found {
			t.Error("nothing should be held when the code could not be sent")
		}
	})

	t.Run("hold failure returns 500 and withdraws the sent code", func(t *testing.T) {
		env := newTestEnv(t)
		env.h.Pending = tempreg.New(failingHold{kv.NewMemoryStore[tempreg.Registration](nil)}, nil)
		w := env.register(registerBody(testEmail, testPassword, localPhone))

		assertStatus(t, w, http.StatusInternalServerError)
		assertMessage(t, w, "internal server error")
		pending, err := env.h.OTP.HasPending(t.Context(), testPhone)
		if err != nil {
			t.Fatalf("HasPending: %v", err)
		}
		if pending {
			t.Error("the code sent for a registration that was never held should not stay verifiable")
		}
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		env.ps.GetUserErr = errors.New("connection refused")
		w := env.register(registerBody(testEmail, testPassword, localPhone))
		assertStatus(t, w, http.StatusInternalServerError)
		assertMessage(t, w, "internal server error")
	})

	t.Run("malformed JSON returns 400", func(t *testing.T) {
		env := newTestEnv(t)
		assertStatus(t, env.register(`{"email":`), http.StatusBadRequest)
	})
}

// --- VerifySMS ---

func TestVerifySMS(t *testing.T) {
	t.Run("correct code creates the user and starts a session", func(t *testing.T) {
		env := newTestEnv(t)
		assertStatus(t, env.register(registerBody(testEmail, testPassword, localPhone)), http.StatusAccepted)

		w := env.verify(localPhone, env.sender.CodeFor(testPhone))

		assertStatus(t, w, http.StatusCreated)
		u, ok := decodeBody(t, w)["user"].(map[string]any)
		if !ok || u["email"] != testEmail || u["phoneVerified"] != true {
			t.Fatalf("unexpected user in body: %s", w.Body.String())
		}
		sessionCookie(t, w)
		if len(env.ps.Users) != 1 {
			t.Fatalf("expected 1 user, got %d", len(env.ps.Users))
		}
		if _, found, _ := env.h.Pending.Get(t.Context(), testPhone); found {
			t.Error("pending registration should be consumed")
		}

		// The held hash is the one that authenticates.
		assertStatus(t, env.login(testEmail, testPassword, ""), http.StatusOK)
	})

	t.Run("code cannot be reused", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(registerBody(testEmail, testPassword, localPhone))
		code := env.sender.CodeFor(testPhone)
		assertStatus(t, env.verify(localPhone, code), http.StatusCreated)

		w := env.verify(localPhone, code)
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, msgRegistrationExpired)
	})

	t.Run("wrong code counts down then exhausts", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(registerBody(testEmail, testPassword, localPhone))
		bad := wrongCode(env.sender.CodeFor(testPhone))

		for remaining := 2; remaining >= 0; remaining-- {
			w := env.verify(localPhone, bad)
			assertStatus(t, w, http.StatusBadRequest)
			want := "Invalid verification code. " + string(rune('0'+remaining)) + " attempts remaining."
			assertMessage(t, w, want)
		}
		w := env.verify(localPhone, env.sender.CodeFor(testPhone))
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, "Too many failed attempts. Please request a new code.")
		if len(env.ps.Users) != 0 {
			t.Error("no user should be created after exhausting attempts")
		}
	})

	t.Run("no pending registration returns 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.verify(localPhone, "123456")
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, msgRegistrationExpired)
	})

	t.Run("missing fields return 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.verify("", "")
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, "Phone number and verification code are required")
	})

	t.Run("account claimed while pending returns 400 and drops the hold", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(registerBody(testEmail, testPassword, localPhone))
		rival := newUser(t, testEmail, "+2348000000000", testPassword)
		env.ps.Users[rival.ID] = rival

		w := env.verify(localPhone, env.sender.CodeFor(testPhone))
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, "An account with this email already exists")
		if _, found, _ := env.h.Pending.Get(t.Context(), testPhone); found {
			t.Error("pending registration should be dropped")
		}
	})

	t.Run("user insert failure returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(registerBody(testEmail, testPassword, localPhone))
		env.ps.CreateUserErr = errors.New("disk full")

		assertStatus(t, env.verify(localPhone, env.sender.CodeFor(testPhone)), http.StatusInternalServerError)
	})
}

// --- ResendSMS ---

func TestResendSMS(t *testing.T) {
	t.Run("sends a fresh code that supersedes the old one", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(registerBody(testEmail, testPassword, localPhone))
		first := env.sender.CodeFor(testPhone)

		w := env.resend(localPhone)
		assertStatus(t, w, http.StatusOK)
		if decodeBody(t, w)["maskedPhone"] != "+234******4567" {
			t.Error("expected masked phone in response")
		}
		if env.sender.CallCount() != 2 {
			t.Errorf("expected 2 sends, got %d", env.sender.CallCount())
		}

		second := env.sender.CodeFor(testPhone)
		if first != second {
			// A different first code must now be rejected.
			assertStatus(t, env.verify(localPhone, first), http.StatusBadRequest)
		}
		assertStatus(t, env.verify(localPhone, second), http.StatusCreated)
	})

	t.Run("without a pending registration returns 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.resend(localPhone)
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, msgRegistrationExpired)
		if env.sender.CallCount() != 0 {
			t.Error("no code should be sent")
		}
	})

	t.Run("missing phone returns 400", func(t *testing.T) {
		env := newTestEnv(t)
		assertStatus(t, env.resend(""), http.StatusBadRequest)
	})

	t.Run("SMS failure returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		env.register(registerBody(testEmail, testPassword, localPhone))
		env.sender.SendErr = errors.New("carrier unavailable")
		assertStatus(t, env.resend(localPhone), http.StatusInternalServerError)
	})
}
