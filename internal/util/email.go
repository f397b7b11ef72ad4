package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxEmailLength is the RFC 5321 path limit, in characters, applied after trimming.
const MaxEmailLength = 254

var ErrInvalidEmail = errors.New("invalid email")

// Deliberately permissive: local@domain.tld with no whitespace and one '@'.
// It accepts things like consecutive dots; tightening it is a product call.
// RE2's \s is ASCII only, so Unicode spaces are rejected separately.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail trims surrounding whitespace and lower-cases the address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidateEmail normalizes raw and checks it against the length and format rules.
// Empty input fails the same way as malformed input.
func ValidateEmail(raw string) (string, error) {
	email := NormalizeEmail(raw)
	if email == "" || utf8.RuneCountInString(email) > MaxEmailLength {
		return "", ErrInvalidEmail
	}
	if strings.IndexFunc(email, unicode.IsSpace) >= 0 || !emailRe.MatchString(email) {
		return "", ErrInvalidEmail
	}

	return email, nil
}

// MaskEmail keeps the first two characters of the local part and the domain,
// e.g. "test@example.com" -> "te***@example.com". Anything without an '@' masks to "***".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "***"
	}

	local, domain := email[:at], email[at+1:]
	keep := local
	if r := []rune(local); len(r) > 2 {
		keep = string(r[:2])
	}

	return keep + "***@" + domain
}

// EmailHasher derives a stable, keyed fingerprint of an address so events
// can be grouped per subscriber without storing anything reversible.
type EmailHasher struct {
	key []byte
}

func NewEmailHasher(key string) *EmailHasher {
	return &EmailHasher{key: []byte(key)}
}

// Hash returns the hex HMAC-SHA256 of the normalized address.
func (h *EmailHasher) Hash(email string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(NormalizeEmail(email)))
	return hex.EncodeToString(mac.Sum(nil))
}
