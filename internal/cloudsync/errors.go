package cloudsync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncDisabled marks a no-op request made while no remote is configured.
	ErrSyncDisabled = errors.New("cloudsync disabled")
	// ErrOffline marks a request skipped because connectivity is known absent.
	ErrOffline = errors.New("cloudsync offline")
)

// TransportError is a network failure or an unexpected non-2xx response.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("cloudsync %s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("cloudsync %s %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("cloudsync %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cloudsync unauthorized (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("cloudsync unauthorized (%d)", e.StatusCode)
}

// ValidationError is the remote rejecting a request as malformed.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "cloudsync rejected request: " + e.Message
}

// ErrStopped is returned to callers still waiting when the orchestrator shuts down.
var ErrStopped = errors.New("cloudsync orchestrator stopped")
