package feedsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotConfigured = errors.New("credentials not configured")
)

// AuthError means the remote rejected the credentials. It is not retried
// until the credentials change.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed: http %d", e.StatusCode)
	}
	return fmt.Sprintf("authentication failed: http %d: %s", e.StatusCode, e.Message)
}

type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

type MalformedResponseError struct {
	StatusCode int
	Err        error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response (http %d): %v", e.StatusCode, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// StatusForError maps a fetch failure onto the status observers see.
func StatusForError(err error) Status {
	var authErr *AuthError
	var transportErr *TransportError
	var remoteErr *RemoteError
	var malformedErr *MalformedResponseError
	switch {
	case errors.As(err, &authErr):
		return StatusInvalidLogin
	case errors.As(err, &transportErr):
		return StatusNetworkError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return StatusNetworkError
	case errors.As(err, &remoteErr), errors.As(err, &malformedErr):
		return StatusRemoteError
	default:
		return StatusRemoteError
	}
}
