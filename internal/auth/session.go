// session.go

// Session token generation and signed cookie management.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	cookieName       = "wsid"
	secureCookieName = "__Host-wsid"
)

// DefaultSessionTTL is the fixed lifetime of a session; it does not slide.
const DefaultSessionTTL = 7 * 24 * time.Hour

var errBadCookie = errors.New("malformed or unsigned session cookie")

// CookieConfig controls how session cookies are issued.
type CookieConfig struct {
	// Secret keys the HMAC on every cookie value. Must be non-empty.
	Secret []byte
	// Secure forces the Secure attribute; requests over TLS get it regardless.
	Secure bool
	// Strict selects SameSite=Strict (production) instead of Lax.
	Strict bool
	// Domain is set on the cookie when non-empty. Disables the __Host- prefix.
	Domain string
}

func (c CookieConfig) secure(r *http.Request) bool {
	return c.Secure || r.TLS != nil
}

func (c CookieConfig) name(r *http.Request) string {
	if c.secure(r) && c.Domain == "" {
		return secureCookieName
	}
	return cookieName
}

func (c CookieConfig) sameSite() http.SameSite {
	if c.Strict {
		return http.SameSiteStrictMode
	}
	return http.SameSiteLaxMode
}

// GenerateToken returns 256-bit random session token and its SHA-256 hash.
// Token goes in the cookie; hash goes in storage.
func GenerateToken() (*[32]byte, *[32]byte, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return nil, nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(token[:])
	return &token, &hash, nil
}

func (c CookieConfig) sign(token []byte) []byte {
	mac := hmac.New(sha256.New, c.Secret)
	mac.Write(token)
	return mac.Sum(nil)
}

// encode returns "<token>.<hmac>", both base64url.
func (c CookieConfig) encode(token []byte) string {
	return base64.RawURLEncoding.EncodeToString(token) + "." + base64.RawURLEncoding.EncodeToString(c.sign(token))
}

// decode verifies the signature and returns the raw token.
func (c CookieConfig) decode(value string) ([]byte, error) {
	tokenPart, sigPart, ok := strings.Cut(value, ".")
	if !ok {
		return nil, errBadCookie
	}
	token, err := base64.RawURLEncoding.DecodeString(tokenPart)
	if err != nil || len(token) != 32 {
		return nil, errBadCookie
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil || !hmac.Equal(sig, c.sign(token)) {
		return nil, errBadCookie
	}
	return token, nil
}

// SetSessionCookie writes the signed session cookie. HttpOnly always;
// Secure and the __Host- prefix whenever the request is (or is configured as) TLS.
func (c CookieConfig) SetSessionCookie(w http.ResponseWriter, r *http.Request, rawToken [32]byte, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name(r),
		Value:    c.encode(rawToken[:]),
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.secure(r),
		SameSite: c.sameSite(),
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie expires the session cookie under both possible names.
func (c CookieConfig) ClearSessionCookie(w http.ResponseWriter, r *http.Request) {
	for _, name := range []string{secureCookieName, cookieName} {
		if name == secureCookieName && !c.secure(r) {
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   c.Domain,
			HttpOnly: true,
			Secure:   c.secure(r),
			SameSite: c.sameSite(),
			MaxAge:   -1,
		})
	}
}

// sessionToken reads and verifies the session cookie, returning the raw token.
func (c CookieConfig) sessionToken(r *http.Request) ([]byte, error) {
	for _, name := range []string{secureCookieName, cookieName} {
		ck, err := r.Cookie(name)
		if err != nil || ck.Value == "" {
			continue
		}
		return c.decode(ck.Value)
	}
	return nil, http.ErrNoCookie
}
