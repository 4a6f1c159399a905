// internal/service/errors.go
package service

import "errors"

var (
	// ErrNoSession means no session was ever opened
	ErrNoSession = errors.New("no active session")
	// ErrSessionActive means connect was requested while a session is still live
	ErrSessionActive = errors.New("a session is already active")
	// ErrInvalidRequest means the request failed validation before reaching the link
	ErrInvalidRequest = errors.New("invalid request")
)
