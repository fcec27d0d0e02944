// Package util provides ID generation, environment parsing and phone helpers shared across CarePipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// ID prefixes for persisted entities.
const (
	PrefixReminder     = "rem_"
	PrefixDeliveryLog  = "dlg_"
	PrefixConfirmation = "cnf_"
	PrefixContext      = "ctx_"
	PrefixPatient      = "pat_"
)

// NewID returns "{prefix}{24 hex chars}". IDs are not security tokens.
func NewID(prefix string) string {
	return prefix + RandomHex(24)
}

// RandomHex returns a random lowercase hexadecimal string of the given length.
func RandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(16)])
	}
	return b.String()
}
