package utils

import (
	"errors"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ErrInvalidPhone is returned when a phone number has no digits left after normalization.
var ErrInvalidPhone = errors.New("invalid phone number")

// DigitsOnly strips every non-digit character from s.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// PhoneToJID normalizes a phone number into a user JID on the default server.
func PhoneToJID(number string) (types.JID, error) {
	digits := DigitsOnly(number)
	if digits == "" {
		return types.EmptyJID, ErrInvalidPhone
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// FormatPairingCode renders an eight character code as XXXX-XXXX.
func FormatPairingCode(code string) string {
	if len(code) == 8 && !strings.Contains(code, "-") {
		return code[:4] + "-" + code[4:]
	}
	return code
}
