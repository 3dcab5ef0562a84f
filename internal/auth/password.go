// password.go

// Argon2id credential hashing and input validation.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const (
	argonSaltLen = 16
	argonTime    = uint32(3)
	argonMemory  = uint32(64 * 1024)
	argonThreads = uint8(2)
	argonKeyLen  = uint32(64)
)

// dummyPasswordHash is verified when the email is unknown so both login paths cost one derivation.
const dummyPasswordHash = "39fe54ca20391b7347ad07ae0a1f42f93577a11a648a208e0c2ad8d98f1c8dbe1b47f55d49fed016865f5773fd1d3d89b2c6af61ebacff6788b6ad21c20d716d.d831ef7bb922afb1e9788f7449e670e7"

// HashPassword derives an Argon2id hash with a fresh random salt.
// Format: <hex digest>.<hex salt>
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	digest := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return hex.EncodeToString(digest) + "." + hex.EncodeToString(salt), nil
}

// VerifyPassword re-derives with the stored salt and compares in constant time.
// Malformed stored hashes verify as false.
func VerifyPassword(password, stored string) bool {
	digestHex, saltHex, ok := strings.Cut(stored, ".")
	if !ok {
		return false
	}
	expected, err := hex.DecodeString(digestHex)
	if err != nil || len(expected) == 0 {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil || len(salt) == 0 {
		return false
	}
	digest := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(digest, expected) == 1
}

// ValidateEmail checks format and length constraints; returns error message or empty string.
// RFC 5321: min ~5 chars (a@b.c), max 254.
func ValidateEmail(email string) string {
	if email == "" {
		return "Email is required"
	}
	if len(email) < 5 {
		return "Email too short"
	}
	if len(email) > 254 {
		return "Email too long"
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "Invalid email format"
	}
	return ""
}

// ValidateName checks a first or last name; field names the input in the message.
func ValidateName(field, name string) string {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 {
		return field + " is required"
	}
	if n > 100 {
		return field + " must be at most 100 characters"
	}
	return ""
}
