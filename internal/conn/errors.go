package conn

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"

	"github.com/rennerdo30/heimdall/internal/backend"
)

// ErrorKind categorizes a connection failure so callers can decide whether
// to retry and what to tell the user.
type ErrorKind string

const (
	KindConfigInvalid      ErrorKind = "config_invalid"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindSpawnFailed        ErrorKind = "spawn_failed"
	KindProbeTimeout       ErrorKind = "probe_timeout"
	KindUnexpectedExit     ErrorKind = "unexpected_exit"
	KindLinkDown           ErrorKind = "link_down"
	KindRetriesExhausted   ErrorKind = "retries_exhausted"
)

// Retryable reports whether automatic reconnection may fix this class of
// failure. Missing binaries, bad configs and permission problems need user
// action first.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConfigInvalid, KindBackendUnavailable, KindPermissionDenied:
		return false
	default:
		return true
	}
}

// Error is the structured failure attached to a connection in the failed
// phase and surfaced through status snapshots.
type Error struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
}

// NewError creates a connection error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Classify maps a backend or OS error to an ErrorKind. It returns the empty
// kind when the error carries no recognizable category; callers pick a
// default appropriate for the operation that produced it.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, backend.ErrUnavailable):
		return KindBackendUnavailable
	case errors.Is(err, backend.ErrConfigInvalid):
		return KindConfigInvalid
	case errors.Is(err, backend.ErrAuthFailed):
		// Rejected credentials are a configuration problem; retrying with
		// the same secret cannot succeed.
		return KindConfigInvalid
	case errors.Is(err, backend.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, backend.ErrSpawnFailed):
		return KindSpawnFailed
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, exec.ErrNotFound):
		return KindBackendUnavailable
	case errors.Is(err, fs.ErrNotExist):
		return KindConfigInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return KindProbeTimeout
	default:
		return ""
	}
}

// classifyOr classifies err and falls back to def for unrecognized errors.
func classifyOr(err error, def ErrorKind) *Error {
	kind := Classify(err)
	if kind == "" {
		kind = def
	}
	return &Error{Kind: kind, Message: err.Error()}
}
