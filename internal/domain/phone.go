package domain

import (
	"fmt"
	"strings"
)

// NormalizePhone canonicalizes a Nigerian mobile number to E.164.
// Accepted inputs: "+234XXXXXXXXXX", "234XXXXXXXXXX", "0XXXXXXXXXX".
func NormalizePhone(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(s, "+234") && len(s) == 14:
		// already canonical
	case strings.HasPrefix(s, "234") && len(s) == 13:
		s = "+" + s
	case strings.HasPrefix(s, "0") && len(s) == 11:
		s = "+234" + s[1:]
	default:
		return "", fmt.Errorf("unrecognized phone number format: %q", raw)
	}

	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("phone number contains non-digit: %q", raw)
		}
	}
	return s, nil
}
