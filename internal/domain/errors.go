package domain

import "errors"

var (
	// ErrNotFound indicates resource not found
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidRequest indicates invalid request
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized indicates unauthorized access
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited indicates rate limit exceeded
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrInvalidTransition indicates an event the current stage does not accept
	ErrInvalidTransition = errors.New("invalid stage transition")
	// ErrMissingIdentifiers indicates a workspace or session id was not supplied
	ErrMissingIdentifiers = errors.New("workspace and session identifiers are required")
	// ErrNotComplete indicates an operation that needs a finished section or session
	ErrNotComplete = errors.New("not complete")
	// ErrQuotaExceeded indicates the snapshot backend refused a write for size
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrSessionClosed indicates the controller was torn down
	ErrSessionClosed = errors.New("session controller closed")
)
