// policy.go

// Password policy: hard rules plus an independent strength score.
package auth

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 128
	// minPasswordScore is the lowest score accepted even when every hard rule passes.
	minPasswordScore = 50
	maxRepeatedRun   = 3
)

// specialChars defines which characters count as punctuation.
// All printable non-alphanumeric ASCII punctuation and symbols.
const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Strength buckets a score for display.
type Strength string

const (
	StrengthWeak   Strength = "weak"
	StrengthFair   Strength = "fair"
	StrengthGood   Strength = "good"
	StrengthStrong Strength = "strong"
)

var commonPasswords = map[string]bool{
	"password": true, "password1": true, "password123": true, "passw0rd": true,
	"p@ssw0rd": true, "p@ssword": true, "123456": true, "12345678": true,
	"123456789": true, "1234567890": true, "12345": true, "1234567": true,
	"111111": true, "qwerty": true, "qwerty123": true, "qwertyuiop": true,
	"1q2w3e4r": true, "abc123": true, "iloveyou": true, "admin": true,
	"admin123": true, "welcome": true, "welcome1": true, "monkey": true,
	"dragon": true, "letmein": true, "football": true, "baseball": true,
	"sunshine": true, "princess": true, "trustno1": true, "master": true,
	"shadow": true, "superman": true, "changeme": true, "secret": true,
	"starwars": true, "login": true,
}

var sequences = []string{
	"123456", "234567", "345678", "456789", "567890",
	"987654", "876543", "765432", "654321",
	"abcdef", "bcdefg", "cdefgh", "fedcba",
	"qwerty", "asdfgh", "zxcvbn", "qazwsx",
}

// PolicyResult is the outcome of ValidatePassword. Valid requires both an
// empty Feedback and a Score of at least 50.
type PolicyResult struct {
	Valid    bool     `json:"valid"`
	Score    int      `json:"score"`
	Strength Strength `json:"strength"`
	Feedback []string `json:"feedback"`
}

// WeakPasswordError carries every reason a password was refused.
type WeakPasswordError struct {
	Reasons []string
}

func (e *WeakPasswordError) Error() string {
	return strings.Join(e.Reasons, ". ")
}

// ValidatePassword applies the hard rules and scores the password.
func ValidatePassword(password string) PolicyResult {
	var feedback []string
	n := utf8.RuneCountInString(password)
	if n < minPasswordLen {
		feedback = append(feedback, "Password must be at least 8 characters long")
	}
	if n > maxPasswordLen {
		feedback = append(feedback, "Password must be at most 128 characters long")
	}

	c := classify(password)
	if !c.lower {
		feedback = append(feedback, "Password must contain at least one lowercase letter")
	}
	if !c.upper {
		feedback = append(feedback, "Password must contain at least one uppercase letter")
	}
	if !c.digit {
		feedback = append(feedback, "Password must contain at least one number")
	}
	if !c.special {
		feedback = append(feedback, "Password must contain at least one special character")
	}

	lower := strings.ToLower(password)
	common := commonPasswords[lower]
	if common {
		feedback = append(feedback, "Password is too common")
	}
	if longestRun(password) > maxRepeatedRun {
		feedback = append(feedback, "Password must not repeat a character more than 3 times in a row")
	}
	for _, seq := range sequences {
		if strings.Contains(lower, seq) {
			feedback = append(feedback, "Password must not contain sequential characters")
			break
		}
	}

	score := scorePassword(password, n, c, common)
	return PolicyResult{
		Valid:    len(feedback) == 0 && score >= minPasswordScore,
		Score:    score,
		Strength: strengthFor(score),
		Feedback: feedback,
	}
}

// CheckPassword returns a *WeakPasswordError when password fails the policy.
func CheckPassword(password string) error {
	res := ValidatePassword(password)
	if res.Valid {
		return nil
	}
	reasons := res.Feedback
	if len(reasons) == 0 {
		reasons = []string{"Password is not strong enough; use a longer password with more varied characters"}
	}
	return &WeakPasswordError{Reasons: reasons}
}

type charClasses struct {
	lower, upper, digit, special bool
}

func classify(password string) charClasses {
	var c charClasses
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsDigit(r):
			c.digit = true
		case strings.ContainsRune(specialChars, r), unicode.IsPunct(r), unicode.IsSymbol(r):
			c.special = true
		}
	}
	return c
}

func longestRun(s string) int {
	longest, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		longest = max(longest, run)
	}
	return longest
}

// scorePassword is independent of the hard rules: +10 at 10, 12 and 16 runes,
// +8 per character class, up to 28 for character diversity, -50 for common
// passwords. A short password built from few distinct runes stays under 50
// even when it has every class.
func scorePassword(password string, n int, c charClasses, common bool) int {
	score := 0
	for _, l := range []int{10, 12, 16} {
		if n >= l {
			score += 10
		}
	}
	for _, has := range []bool{c.lower, c.upper, c.digit, c.special} {
		if has {
			score += 8
		}
	}
	if n > 0 {
		unique := make(map[rune]struct{}, n)
		for _, r := range password {
			unique[r] = struct{}{}
		}
		score += len(unique) * 28 / n
	}
	if common {
		score -= 50
	}
	return min(max(score, 0), 100)
}

func strengthFor(score int) Strength {
	switch {
	case score < 40:
		return StrengthWeak
	case score < 60:
		return StrengthFair
	case score < 80:
		return StrengthGood
	default:
		return StrengthStrong
	}
}
