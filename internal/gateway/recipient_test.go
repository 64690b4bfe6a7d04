package gateway_test

import (
	"errors"
	"testing"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/gateway"
)

func TestNormalizeRecipient(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"9876543210", "+919876543210"},
		{"09876543210", "+919876543210"},
		{"98765 43210", "+919876543210"},
		{"+91 98765-43210", "+919876543210"},
		{"919876543210", "+919876543210"},
		{"+14155550123", "+14155550123"},
	}
	for _, tc := range cases {
		got, err := gateway.NormalizeRecipient(tc.in, "91")
		if err != nil {
			t.Errorf("NormalizeRecipient(%q) unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizeRecipient(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeRecipientRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "abc", "12345", "+1234567890123456"} {
		if _, err := gateway.NormalizeRecipient(in, "91"); !errors.Is(err, appErrors.ErrInvalidRecipient) {
			t.Errorf("NormalizeRecipient(%q) error = %v, want ErrInvalidRecipient", in, err)
		}
	}
}
