// Package phone provides phone number normalization. The normalized form is
// the join key used across every store in the orchestrator.
package phone

import "strings"

// Normalize reduces a phone number to its canonical key: decimal digits only,
// with the leading country-code "1" stripped from eleven-digit inputs.
// "+1 (555) 123-4567", "15551234567" and "555-123-4567" all normalize to
// "5551234567".
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// Valid reports whether the normalized form of raw looks like a dialable
// ten-digit NANP number.
func Valid(raw string) bool {
	key := Normalize(raw)
	return len(key) == 10 && key[0] != '0' && key[0] != '1'
}

// Mask returns a log-safe rendering of a phone number, keeping only the last
// four digits.
func Mask(raw string) string {
	key := Normalize(raw)
	if len(key) <= 4 {
		return key
	}
	return "******" + key[len(key)-4:]
}
