package sms

import (
	"strings"

	"github.com/cwygoda/herald/internal/domain"
)

// canonicalLen is "880" followed by the 10-digit subscriber number.
const canonicalLen = 13

// NormalizePhone converts a Bangladesh mobile number in any common format
// (01712345678, +8801712345678, 8801712345678, 1712345678) to its canonical
// form 8801712345678. It is idempotent.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "88"):
	case strings.HasPrefix(digits, "01"):
		digits = "88" + digits
	case len(digits) == 10 && digits[0] == '1':
		digits = "880" + digits
	}

	if len(digits) != canonicalLen || !strings.HasPrefix(digits, "8801") {
		return "", &domain.ValidationError{Field: "phone", Err: domain.ErrInvalidPhone}
	}
	return digits, nil
}
