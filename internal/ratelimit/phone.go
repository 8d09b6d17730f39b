package ratelimit

import "strings"

// NormalizePhone produces a stable rate-limit key from a phone number: all
// non-digits are stripped and local Rwandan numbers (07x...) are rewritten to
// international form (2507x...). Numbers already carrying the 250 prefix pass
// through unchanged.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	if strings.HasPrefix(cleaned, "07") {
		return "250" + cleaned[1:]
	}
	return cleaned
}

// MaskPhone redacts a phone number for logging, keeping the first four and
// last three digits. Short or empty values collapse to "***".
func MaskPhone(phone string) string {
	if len(phone) < 7 {
		return "***"
	}
	return phone[:4] + "****" + phone[len(phone)-3:]
}
