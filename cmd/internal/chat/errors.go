package chat

import "errors"

var (
	// ErrInvalidInput rejects structurally malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyMessage rejects a send with neither content nor attachments.
	ErrEmptyMessage = errors.New("empty message")

	// ErrRoleMismatch rejects a participant pair that is not exactly one
	// teacher and one student.
	ErrRoleMismatch = errors.New("role mismatch")

	// ErrRecipientNotFound rejects a send to an unknown or inactive recipient.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrUnauthorized rejects an operation by a non-participant.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound reports a missing (or soft-deleted) message or attachment.
	ErrNotFound = errors.New("not found")
)
