package otp

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultCountryCode is prefixed to numbers no local pattern recognises.
const DefaultCountryCode = "234"

// ErrCountryCodeRequired is returned by NormalizePhoneStrict for numbers without a leading '+'.
var ErrCountryCodeRequired = errors.New("phone number must include a country code")

var nonPhoneChars = regexp.MustCompile(`[^\d+]`)

// localPatterns are checked in order against the digit-only form of numbers
// that arrived without '+'. The first match wins.
var localPatterns = []struct {
	re      *regexp.Regexp
	rewrite func(digits string) string
}{
	// Nigerian trunk prefix: 08031234567
	{regexp.MustCompile(`^0\d{10}$`), func(d string) string { return "+" + DefaultCountryCode + d[1:] }},
	{regexp.MustCompile(`^234\d{10}$`), func(d string) string { return "+" + d }},
	{regexp.MustCompile(`^44\d{10}$`), func(d string) string { return "+" + d }},
	{regexp.MustCompile(`^1\d{10}$`), func(d string) string { return "+" + d }},
	{regexp.MustCompile(`^91\d{10}$`), func(d string) string { return "+" + d }},
}

// countryPatterns validate normalized numbers. Anything else must at least be E.164.
var countryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\+234[789][01]\d{8}$`), // NG mobile
	regexp.MustCompile(`^\+1[2-9]\d{9}$`),       // US/CA
	regexp.MustCompile(`^\+447\d{9}$`),          // UK mobile
	regexp.MustCompile(`^\+91[6-9]\d{9}$`),      // IN mobile
}

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// NormalizePhone converts raw user input to "+<country><number>".
//
// An explicit '+' is trusted. Otherwise a handful of local formats are
// recognised, and anything else is assumed to belong to DefaultCountryCode.
// That last guess misclassifies many foreign numbers; deployments serving
// international users should use NormalizePhoneStrict.
func NormalizePhone(raw string) string {
	cleaned := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if strings.HasPrefix(cleaned, "+") {
		return "+" + strings.ReplaceAll(cleaned[1:], "+", "")
	}
	digits := strings.ReplaceAll(cleaned, "+", "")
	for _, p := range localPatterns {
		if p.re.MatchString(digits) {
			return p.rewrite(digits)
		}
	}
	return "+" + DefaultCountryCode + strings.TrimLeft(digits, "0")
}

// NormalizePhoneStrict is NormalizePhone without country guessing.
func NormalizePhoneStrict(raw string) (string, error) {
	cleaned := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if !strings.HasPrefix(cleaned, "+") {
		return "", ErrCountryCodeRequired
	}
	return "+" + strings.ReplaceAll(cleaned[1:], "+", ""), nil
}

// ValidatePhone reports whether a normalized number is plausible.
func ValidatePhone(phone string) bool {
	for _, re := range countryPatterns {
		if re.MatchString(phone) {
			return true
		}
	}
	return e164.MatchString(phone)
}

// MaskPhone hides all but the country prefix and last four digits:
// "+2348031234567" becomes "+234******4567".
func MaskPhone(phone string) string {
	if len(phone) <= 8 {
		return strings.Repeat("*", len(phone))
	}
	prefix := 4
	if strings.HasPrefix(phone, "+1") {
		prefix = 2
	} else if strings.HasPrefix(phone, "+44") || strings.HasPrefix(phone, "+91") {
		prefix = 3
	}
	return phone[:prefix] + strings.Repeat("*", len(phone)-prefix-4) + phone[len(phone)-4:]
}
