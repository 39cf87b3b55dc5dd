// Package uuid validates server-assigned resource identifiers and mints
// request ids for API calls.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new UUID v4, used as the X-Request-ID of outgoing calls.
func New() string {
	return uuid.New().String()
}

// Canonical parses a server-assigned identifier and returns its lowercase,
// hyphenated form. Only the 36-character form is accepted: ids arrive from
// JSON payloads and are interpolated into request paths.
func Canonical(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) != 36 {
		return "", fmt.Errorf("invalid resource id %q: expected 36 characters", s)
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid resource id %q: %w", s, err)
	}
	return id.String(), nil
}

// IsValid checks if a string is a usable resource identifier.
func IsValid(s string) bool {
	_, err := Canonical(s)
	return err == nil
}
