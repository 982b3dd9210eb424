package domain

import "errors"

// Error kinds reachable by protocol handlers. Each maps to exactly one
// error response frame (or, for ErrBadSchema, a socket teardown).
var (
	ErrBadSchema             = errors.New("bad_schema")
	ErrUnauthenticated       = errors.New("needs authentication")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrBadRequest            = errors.New("bad request")
	ErrDuplicateSubscription = errors.New("subscription already exists")
	ErrUnknownSubscription   = errors.New("unknown subscription")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrBackendError          = errors.New("backend error")
	ErrAuthFailed            = errors.New("authentication failed")
	ErrNotFound              = errors.New("not found")
	ErrLockHeld              = errors.New("lock already held")
)
