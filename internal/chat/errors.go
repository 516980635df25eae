package chat

import "errors"

var (
	// ErrNotFound is returned when a conversation, message, or user is absent.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor is not a participant, or is not
	// the author for edit/delete.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState is returned for operations that are structurally valid but
	// not allowed in the current state: removing an absent reaction, editing a
	// deleted or media-bearing message, sending an empty payload.
	ErrInvalidState = errors.New("invalid state")

	// ErrTimeout is returned when a storage operation exceeded its bound.
	// It is distinct from ErrNotFound/ErrForbidden so callers can retry.
	ErrTimeout = errors.New("operation timed out")

	// ErrConflict is returned when a concurrent window/counter update was
	// detected and internal retries were exhausted.
	ErrConflict = errors.New("concurrent update conflict")
)
