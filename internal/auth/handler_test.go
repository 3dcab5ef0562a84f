// handler_test.go

// unit tests for Login, Logout and Me, plus helpers shared by the package's handler tests.

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/warden/internal/background"
	"github.com/MGallo-Code/warden/internal/kv"
	"github.com/MGallo-Code/warden/internal/lockout"
	"github.com/MGallo-Code/warden/internal/otp"
	"github.com/MGallo-Code/warden/internal/store"
	"github.com/MGallo-Code/warden/internal/tempreg"
	"github.com/MGallo-Code/warden/internal/testutil"
	"github.com/MGallo-Code/warden/internal/threat"
)

// --- Helper Functions ---

const (
	testPassword = "Str0ng!Pass99"
	testEmail    = "user@example.com"
	testPhone    = "+2348031234567"
)

// testEnv bundles a handler with the mocks behind it.
type testEnv struct {
	h      *AuthHandler
	ps     *testutil.MockStore
	rs     *testutil.MockCache
	sender *testutil.MockSender
}

// newTestEnv builds an AuthHandler over mock persistence and real in-memory
// security components. Background bookkeeping runs inline so tests are deterministic.
func newTestEnv(t *testing.T, users ...*store.User) *testEnv {
	t.Helper()
	ps := testutil.NewMockStore(users...)
	rs := testutil.NewMockCache()
	sender := testutil.NewMockSender()
	h := &AuthHandler{
		PS:      ps,
		RS:      rs,
		Pending: tempreg.New(kv.NewMemoryStore[tempreg.Registration](nil), nil),
		OTP:     otp.New(kv.NewMemoryStore[otp.Record](nil), sender, otp.Options{}),
		Lockout: lockout.New(nil, nil, nil),
		Threats: threat.New(threat.Config{}),
		Tasks:   background.Inline{},
		Cookies: CookieConfig{Secret: []byte("0123456789abcdef0123456789abcdef")},
	}
	return &testEnv{h: h, ps: ps, rs: rs, sender: sender}
}

// newUser creates a test user with a real Argon2id hash for the given password.
func newUser(t *testing.T, email, phone, password string) *store.User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("newUser: hashing password: %v", err)
	}
	return &store.User{
		ID:           uuid.Must(uuid.NewV7()),
		Email:        email,
		Phone:        phone,
		FirstName:    "Ada",
		LastName:     "Lovelace",
		PasswordHash: hash,
	}
}

// postJSON builds a POST request from origin with the given body.
func postJSON(path, body, origin string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if origin != "" {
		r.RemoteAddr = origin + ":40000"
	}
	return r
}

func (e *testEnv) login(email, password, origin string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.h.Login(w, postJSON("/login", `{"email":"`+email+`","password":"`+password+`"}`, origin))
	return w
}

// decodeBody unmarshals the recorder's JSON body into a map.
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
	return body
}

// assertStatus checks the response code and JSON content type.
func assertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status: expected %d, got %d (body %s)", want, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
}

// assertMessage checks the "message" field of a JSON body.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	if got := decodeBody(t, w)["message"]; got != want {
		t.Errorf("message: expected %q, got %q", want, got)
	}
}

// sessionCookie finds the session cookie in a response.
func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if (c.Name == cookieName || c.Name == secureCookieName) && c.MaxAge >= 0 {
			return c
		}
	}
	t.Fatal("session cookie not found in response")
	return nil
}

// --- Login ---

func TestLogin(t *testing.T) {
	t.Run("valid credentials return 200, user and session cookie", func(t *testing.T) {
		user := newUser(t, testEmail, testPhone, testPassword)
		env := newTestEnv(t, user)

		w := env.login(testEmail, testPassword, "198.51.100.1")

		assertStatus(t, w, http.StatusOK)
		u, ok := decodeBody(t, w)["user"].(map[string]any)
		if !ok {
			t.Fatalf("body missing user: %s", w.Body.String())
		}
		if u["id"] != user.ID.String() {
			t.Errorf("user id: expected %s, got %v", user.ID, u["id"])
		}
		if u["phoneNumber"] != "+234******4567" {
			t.Errorf("phone should be masked, got %v", u["phoneNumber"])
		}
		if strings.Contains(w.Body.String(), user.PasswordHash) {
			t.Error("response must not contain the password hash")
		}

		c := sessionCookie(t, w)
		if !c.HttpOnly {
			t.Error("cookie should be HttpOnly")
		}
		if env.ps.SessionCount() != 1 {
			t.Errorf("expected 1 stored session, got %d", env.ps.SessionCount())
		}
		if env.rs.Len() != 1 {
			t.Errorf("expected 1 cached session, got %d", env.rs.Len())
		}
	})

	t.Run("email is matched case-insensitively", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		w := env.login("  USER@Example.com ", testPassword, "198.51.100.1")
		assertStatus(t, w, http.StatusOK)
	})

	t.Run("wrong password and unknown email get the same generic 401", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))

		wrong := env.login(testEmail, "Wr0ng!Pass99", "198.51.100.1")
		unknown := env.login("nobody@example.com", testPassword, "198.51.100.1")

		for _, w := range []*httptest.ResponseRecorder{wrong, unknown} {
			assertStatus(t, w, http.StatusUnauthorized)
			if w.Body.String() != `{"message":"Invalid credentials"}` {
				t.Errorf("body: expected generic message, got %q", w.Body.String())
			}
			if len(w.Result().Cookies()) != 0 {
				t.Error("failed login must not set a cookie")
			}
		}
	})

	t.Run("failures are recorded for unknown emails too", func(t *testing.T) {
		env := newTestEnv(t)
		for range 3 {
			env.login("ghost@example.com", "whatever", "198.51.100.1")
		}
		if !env.h.Lockout.IsLocked("ghost@example.com", "198.51.100.1").Locked {
			t.Error("expected unknown email to be locked after 3 failures")
		}
	})

	t.Run("five failures lock for 15 minutes; other origins are independent", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		// Attempts four and five are already answered with 429 but still escalate.
		for range 5 {
			env.login(testEmail, "Wr0ng!Pass99", "1.2.3.4")
		}

		w := env.login(testEmail, testPassword, "1.2.3.4")
		assertStatus(t, w, http.StatusTooManyRequests)
		body := decodeBody(t, w)
		if body["remainingMinutes"] != float64(15) {
			t.Errorf("remainingMinutes: expected 15, got %v", body["remainingMinutes"])
		}
		if secs, _ := body["retryAfter"].(float64); secs < 14*60 || secs > 15*60 {
			t.Errorf("retryAfter: expected ~900s, got %v", body["retryAfter"])
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}

		other := env.login(testEmail, "Wr0ng!Pass99", "5.6.7.8")
		assertStatus(t, other, http.StatusUnauthorized)
		if env.h.Lockout.IsLocked(testEmail, "5.6.7.8").Locked {
			t.Error("different origin should not be locked")
		}
	})

	t.Run("locked identity never reaches the user store", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		for range 3 {
			env.login(testEmail, "Wr0ng!Pass99", "1.2.3.4")
		}
		env.ps.GetUserErr = errors.New("store must not be called")

		w := env.login(testEmail, testPassword, "1.2.3.4")
		assertStatus(t, w, http.StatusTooManyRequests)
	})

	t.Run("successful login clears earlier failures", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		env.login(testEmail, "Wr0ng!Pass99", "1.2.3.4")
		env.login(testEmail, "Wr0ng!Pass99", "1.2.3.4")
		assertStatus(t, env.login(testEmail, testPassword, "1.2.3.4"), http.StatusOK)

		if n := env.h.Lockout.IsLocked(testEmail, "1.2.3.4").FailedAttempts; n != 0 {
			t.Errorf("expected failures cleared, got %d", n)
		}
	})

	t.Run("failures feed the brute-force counter", func(t *testing.T) {
		env := newTestEnv(t)
		for i := range threat.BruteForceThreshold {
			env.login("user"+string(rune('a'+i))+"@example.com", "x", "203.0.113.9")
		}
		if !env.h.Threats.IsFlagged("203.0.113.9") {
			t.Error("expected origin to be flagged after repeated failures")
		}
	})

	t.Run("malformed JSON returns 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := httptest.NewRecorder()
		env.h.Login(w, postJSON("/login", `{"email":`, ""))
		assertStatus(t, w, http.StatusBadRequest)
	})

	t.Run("missing fields return 400", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.login("", "", "")
		assertStatus(t, w, http.StatusBadRequest)
		assertMessage(t, w, "Email and password are required")
	})

	t.Run("store failure returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		env.ps.GetUserErr = errors.New("connection refused")
		w := env.login(testEmail, testPassword, "")
		assertStatus(t, w, http.StatusInternalServerError)
		assertMessage(t, w, "internal server error")
	})

	t.Run("session insert failure returns 500", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		env.ps.CreateSessionErr = errors.New("disk full")
		assertStatus(t, env.login(testEmail, testPassword, ""), http.StatusInternalServerError)
	})

	t.Run("cache failure is not fatal", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		env.rs.SetSessionErr = errors.New("redis down")
		assertStatus(t, env.login(testEmail, testPassword, ""), http.StatusOK)
	})
}

// --- Background submission ---

// fullQueue rejects everything, as a saturated background.Queue would.
type fullQueue struct{}

func (fullQueue) Submit(background.Task) error { return background.ErrQueueFull }

func TestLogin_FullQueueRunsBookkeepingInline(t *testing.T) {
	env := newTestEnv(t)
	env.h.Tasks = fullQueue{}
	for range 3 {
		env.login("ghost@example.com", "x", "1.2.3.4")
	}
	if !env.h.Lockout.IsLocked("ghost@example.com", "1.2.3.4").Locked {
		t.Error("failures should still be recorded when the queue is full")
	}
}

// --- Me ---

func TestMe(t *testing.T) {
	t.Run("returns the authenticated user", func(t *testing.T) {
		user := newUser(t, testEmail, testPhone, testPassword)
		env := newTestEnv(t, user)
		cookie := sessionCookie(t, env.login(testEmail, testPassword, ""))

		r := httptest.NewRequest(http.MethodGet, "/user", nil)
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		env.h.RequireAuth(http.HandlerFunc(env.h.Me)).ServeHTTP(w, r)

		assertStatus(t, w, http.StatusOK)
		u := decodeBody(t, w)["user"].(map[string]any)
		if u["email"] != testEmail {
			t.Errorf("email: expected %s, got %v", testEmail, u["email"])
		}
	})

	t.Run("user deleted after login returns 401", func(t *testing.T) {
		user := newUser(t, testEmail, testPhone, testPassword)
		env := newTestEnv(t, user)
		cookie := sessionCookie(t, env.login(testEmail, testPassword, ""))
		delete(env.ps.Users, user.ID)

		r := httptest.NewRequest(http.MethodGet, "/user", nil)
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		env.h.RequireAuth(http.HandlerFunc(env.h.Me)).ServeHTTP(w, r)
		assertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("missing context returns 500", func(t *testing.T) {
		env := newTestEnv(t)
		w := httptest.NewRecorder()
		env.h.Me(w, httptest.NewRequest(http.MethodGet, "/user", nil))
		assertStatus(t, w, http.StatusInternalServerError)
	})
}

// --- Logout ---

func TestLogout(t *testing.T) {
	t.Run("deletes the session and clears the cookie", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		cookie := sessionCookie(t, env.login(testEmail, testPassword, ""))

		r := httptest.NewRequest(http.MethodPost, "/logout", nil)
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		env.h.Logout(w, r)

		assertStatus(t, w, http.StatusOK)
		assertMessage(t, w, "Logged out successfully")
		if env.ps.SessionCount() != 0 || env.rs.Len() != 0 {
			t.Error("session should be removed from store and cache")
		}
		var cleared bool
		for _, c := range w.Result().Cookies() {
			if c.Name == cookieName && c.MaxAge < 0 {
				cleared = true
			}
		}
		if !cleared {
			t.Error("expected cookie to be cleared")
		}

		// The old cookie no longer authenticates.
		r = httptest.NewRequest(http.MethodGet, "/user", nil)
		r.AddCookie(cookie)
		w = httptest.NewRecorder()
		env.h.RequireAuth(http.HandlerFunc(env.h.Me)).ServeHTTP(w, r)
		assertStatus(t, w, http.StatusUnauthorized)
	})

	t.Run("without a session still returns 200", func(t *testing.T) {
		env := newTestEnv(t)
		w := httptest.NewRecorder()
		env.h.Logout(w, httptest.NewRequest(http.MethodPost, "/logout", nil))
		assertStatus(t, w, http.StatusOK)
	})

	t.Run("database delete failure returns 500", func(t *testing.T) {
		env := newTestEnv(t, newUser(t, testEmail, testPhone, testPassword))
		cookie := sessionCookie(t, env.login(testEmail, testPassword, ""))
		env.ps.DeleteSessionErr = errors.New("timeout")

		r := httptest.NewRequest(http.MethodPost, "/logout", nil)
		r.AddCookie(cookie)
		w := httptest.NewRecorder()
		env.h.Logout(w, r)
		assertStatus(t, w, http.StatusInternalServerError)
	})
}
