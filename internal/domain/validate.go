package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxNameLength matches the VARCHAR(100) name columns.
const MaxNameLength = 100

// RequireText trims value and checks it is non-empty and at most max runes long.
// max <= 0 disables the length check.
func RequireText(field, value string, max int) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", NewValidationError(field, "is required")
	}
	if max > 0 && utf8.RuneCountInString(v) > max {
		return "", NewValidationError(field, "is too long")
	}
	return v, nil
}

// RequirePastDate checks that t is set and not after now.
func RequirePastDate(field string, t, now time.Time) error {
	if t.IsZero() {
		return NewValidationError(field, "is required")
	}
	if t.After(now) {
		return NewValidationError(field, "cannot be in the future")
	}
	return nil
}
