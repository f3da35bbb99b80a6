package config

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultSessionID is used for records created outside a conversation
// (management API, CLI).
const DefaultSessionID = "manual"

// MaxSessionIDLength matches the VARCHAR(255) column used by the postgres schema.
const MaxSessionIDLength = 255

// NormalizeSessionID trims surrounding whitespace and rejects ids that are
// empty, too long, or contain control characters. Session ids are otherwise
// opaque: case and punctuation are preserved.
func NormalizeSessionID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("session id is empty")
	}
	if len(trimmed) > MaxSessionIDLength {
		return "", fmt.Errorf("session id exceeds %d bytes", MaxSessionIDLength)
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("session id contains control characters")
	}
	return trimmed, nil
}

// SessionIDOrDefault normalizes id, falling back to DefaultSessionID when
// it is blank.
func SessionIDOrDefault(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return DefaultSessionID, nil
	}
	return NormalizeSessionID(id)
}
