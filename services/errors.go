package services

import "errors"

// Orchestration errors, surfaced as explicit variants so the handler
// layer decides propagation instead of relying on unwinding through
// nested scopes.
var (
	// ErrValidation covers blank queries and malformed input
	ErrValidation = errors.New("invalid request")

	// ErrSessionNotFound is returned for an unknown session identifier
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionForbidden is returned when the session belongs to another
	// user; ownership is rejected, never auto-transferred
	ErrSessionForbidden = errors.New("no access to this session")

	// ErrQuotaExceeded is returned before any downstream call once the
	// user's token balance is depleted
	ErrQuotaExceeded = errors.New("token quota exhausted")

	// ErrRequestInFlight signals a duplicate request while the original
	// is still processing; retryable by the caller after a delay
	ErrRequestInFlight = errors.New("request is still being processed")

	// ErrUpstream wraps completion-service failures; the turn's message
	// is marked failed and quota is left untouched
	ErrUpstream = errors.New("completion service call failed")

	// ErrMessageNotFound is returned when a message update targets a
	// record that no longer exists
	ErrMessageNotFound = errors.New("message not found")

	// ErrInvalidTransition is returned when a status update would move a
	// message backwards or out of a terminal state
	ErrInvalidTransition = errors.New("invalid message status transition")
)
