package gateway

import (
	"strings"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
)

// NormalizeRecipient converts a phone number into the gateway's E.164 form.
// National numbers (10 digits after dropping leading zeros) get countryCode.
func NormalizeRecipient(raw, countryCode string) (string, error) {
	raw = strings.TrimSpace(raw)
	international := strings.HasPrefix(raw, "+")

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if !international {
		digits = strings.TrimLeft(digits, "0")
		if len(digits) == 10 {
			digits = countryCode + digits
		}
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", appErrors.ErrInvalidRecipient
	}
	return "+" + digits, nil
}
