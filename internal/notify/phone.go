package notify

import (
	"errors"
	"strings"
)

var ErrInvalidPhone = errors.New("notify: invalid phone number")

// NormalizePhone strips formatting and returns the international number as
// digits only, the form the Cloud API expects in "to" and sends in "from".
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "00") {
		s = s[2:]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}
	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	return digits, nil
}
