package paddlehook

import "errors"

var (
	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrLedgerUnavailable is returned when the event ledger cannot be read or written
	ErrLedgerUnavailable = errors.New("event ledger unavailable")

	// ErrEventNotFound is returned when an event record does not exist
	ErrEventNotFound = errors.New("event record not found")

	// ErrFinalizeFailed is returned when neither permanent outcome could be recorded
	ErrFinalizeFailed = errors.New("failed to record permanent event outcome")

	// ErrAPIError is returned when the Paddle API returns an error response
	ErrAPIError = errors.New("paddle API error")
)
