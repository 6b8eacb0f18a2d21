package types

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxContentBytes bounds a single inbound chat frame.
const MaxContentBytes = 64 * 1024

var roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks that the message can be persisted and broadcast.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	if len(m.Content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if !IsValidDisplayName(m.UserName) {
		return ErrInvalidDisplayName
	}
	return nil
}

// IsValidRoomID accepts numeric and slug-style room identifiers.
func IsValidRoomID(roomID string) bool {
	if len(roomID) < 1 || len(roomID) > 64 {
		return false
	}
	return roomIDRegex.MatchString(roomID)
}

// IsValidDisplayName rejects empty names, names over 50 runes, and control characters.
func IsValidDisplayName(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	if !utf8.ValidString(name) || utf8.RuneCountInString(name) > 50 {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
