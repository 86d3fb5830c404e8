package backend

import (
	"errors"
	"fmt"
)

// Backend errors. The first four map one-to-one onto the failure reasons the
// state machine reports; the rest are internal conditions.
var (
	// ErrUnavailable means the backend binary is not installed. Surfaced
	// to the installer collaborator, never auto-retried.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrConfigInvalid means the tunnel config file is unreadable or
	// malformed.
	ErrConfigInvalid = errors.New("invalid tunnel config")
	// ErrPermissionDenied means the backend needs elevated privileges.
	// Never auto-retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSpawnFailed means the client process could not be started.
	ErrSpawnFailed = errors.New("process spawn failed")
	// ErrAuthFailed means the VPN server rejected the credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrBackendInvalid means a profile references an unknown backend or
	// carries an invalid field.
	ErrBackendInvalid = errors.New("invalid backend")
	// ErrNotConnected means a disconnect was requested for a tunnel that
	// is not up.
	ErrNotConnected = errors.New("not connected")
)

// BackendError wraps an error with backend context.
type BackendError struct {
	Backend Kind
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError creates a new BackendError.
func NewBackendError(backend Kind, op string, err error) *BackendError {
	return &BackendError{
		Backend: backend,
		Op:      op,
		Err:     err,
	}
}

// IsBackendError checks if an error is a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// GetBackendKind returns the backend kind from a BackendError.
func GetBackendKind(err error) Kind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Backend
	}
	return ""
}
