// internal/link/errors.go
package link

import (
	"errors"
	"fmt"
)

// Link error taxonomy. Transport and framing errors are handled inside the
// session; command level errors reach the submitter through its Handle.
var (
	// ErrConnection means the port could not be opened
	ErrConnection = errors.New("connection error")
	// ErrIO means the transport failed mid-session
	ErrIO = errors.New("transport i/o error")
	// ErrFraming means a malformed or overlong line was discarded
	ErrFraming = errors.New("framing error")
	// ErrControllerRejected means the firmware answered a command with an error
	ErrControllerRejected = errors.New("controller rejected command")
	// ErrTimeout means no acknowledgement arrived within the configured window
	ErrTimeout = errors.New("acknowledgement timeout")
	// ErrSessionClosed means the session was torn down before or while the operation ran
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidCommand means the command was refused before it was queued
	ErrInvalidCommand = errors.New("invalid command")
)

// RejectedError carries the firmware error code of a rejected command
type RejectedError struct {
	Code int
	Line string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: error %d", ErrControllerRejected, e.Code)
}

// Is makes errors.Is(err, ErrControllerRejected) match
func (e *RejectedError) Is(target error) bool {
	return target == ErrControllerRejected
}

// AlarmError describes an alarm reported by the firmware
type AlarmError struct {
	Code int
	Line string
}

func (e *AlarmError) Error() string {
	return fmt.Sprintf("controller alarm %d", e.Code)
}

// closedError wraps the teardown cause into a SessionClosed error
func closedError(cause error) error {
	switch {
	case cause == nil:
		return ErrSessionClosed
	case errors.Is(cause, ErrSessionClosed):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrSessionClosed, cause)
	}
}
