package gateway

import "strings"

const brazilCountryCode = "55"

// NormalizePhone strips everything but digits and prefixes the Brazilian
// country code to 10 and 11 digit national numbers.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone) + len(brazilCountryCode))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 || len(digits) == 11 {
		return brazilCountryCode + digits
	}
	return digits
}

// MaskPhone renders a normalized phone for logs: first 4 and last 4 digits.
func MaskPhone(phone string) string {
	p := NormalizePhone(phone)
	if len(p) < 8 {
		return "****"
	}
	return p[:4] + "****" + p[len(p)-4:]
}

// clamp bounds an optional delay, falling back to def when unset. The
// fallback is bounded too.
func clamp(v *int, lo, hi, def int) int {
	n := def
	if v != nil {
		n = *v
	}
	switch {
	case n < lo:
		return lo
	case n > hi:
		return hi
	}
	return n
}
