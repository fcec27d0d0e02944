package util

import (
	"errors"
	"strings"
)

// MinPhoneDigits is the minimum number of digits a canonical phone number carries.
const MinPhoneDigits = 6

// ErrInvalidPhone is returned when a phone number has too few digits.
var ErrInvalidPhone = errors.New("phone number must contain at least 6 digits")

// CanonicalPhone strips everything but digits, including "whatsapp:" and "@s.whatsapp.net" decorations.
func CanonicalPhone(raw string) (string, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:")
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < MinPhoneDigits {
		return "", ErrInvalidPhone
	}
	return b.String(), nil
}
