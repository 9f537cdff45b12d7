package domain

import (
	"regexp"
	"strings"
)

// phonePattern matches E.164 numbers with an optional leading plus.
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// NormalizePhone validates a phone number and canonicalizes it to E.164
// form with a leading plus. Spaces and dashes are stripped before
// validation.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, raw)

	if !phonePattern.MatchString(cleaned) {
		return "", InvalidArgumentf("invalid phone number %q: must be E.164", raw)
	}
	return "+" + strings.TrimPrefix(cleaned, "+"), nil
}
