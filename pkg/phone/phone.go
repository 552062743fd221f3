// Package phone normalizes MSISDNs the way the routing layer expects them:
// digits only, no plus sign, no leading zeros, no whitespace.
package phone

import "strings"

const (
	minDigits = 5
	maxDigits = 15 // E.164 upper bound
)

// Normalize strips formatting noise from a phone number. The result is the
// canonical key used by the sender map and the contact table.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// Valid reports whether a normalized MSISDN has a plausible length.
func Valid(msisdn string) bool {
	n := len(msisdn)
	return n >= minDigits && n <= maxDigits
}
