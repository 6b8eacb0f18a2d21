package types

import "errors"

var (
	ErrInvalidRoomID      = errors.New("room ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidDisplayName = errors.New("display name must be 1-50 printable characters")
	ErrEmptyContent       = errors.New("message content is empty")
	ErrContentTooLarge    = errors.New("message content exceeds 64KB limit")
)
