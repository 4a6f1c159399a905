// internal/link/config.go
package link

import (
	"fmt"
	"time"
)

// ErrorPolicy decides what happens to the queue after a rejected command
type ErrorPolicy string

const (
	// HaltOnError flushes the queue and fails the session
	HaltOnError ErrorPolicy = "halt-on-error"
	// SkipAndContinue resolves the rejected command and keeps streaming
	SkipAndContinue ErrorPolicy = "skip-and-continue"
)

// ParseErrorPolicy validates a policy name
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case HaltOnError, SkipAndContinue:
		return ErrorPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown error policy: %q", s)
	}
}

// Config holds the session tunables
type Config struct {
	// RxBufferSize overrides the dialect's receive buffer budget when positive
	RxBufferSize int
	// AckTimeout fails the session when the oldest in-flight command stays unacknowledged; zero disables
	AckTimeout time.Duration
	// SettleTime is waited after opening the port and again after the wake-up sequence
	SettleTime time.Duration
	// ErrorPolicy applies to firmware rejections
	ErrorPolicy ErrorPolicy
	// MaxLineLength bounds a single response line
	MaxLineLength int
	// StatusPollInterval sends a status query periodically; zero disables
	StatusPollInterval time.Duration
	// RequireBanner fails the handshake when no welcome banner was received
	RequireBanner bool
	// EventBuffer bounds the queued reports; lifecycle events are never dropped
	EventBuffer int
}

// DefaultConfig returns the defaults used when a field is left empty
func DefaultConfig() Config {
	return Config{
		AckTimeout:    30 * time.Second,
		SettleTime:    2 * time.Second,
		ErrorPolicy:   HaltOnError,
		MaxLineLength: DefaultMaxLineLength,
		EventBuffer:   1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = d.ErrorPolicy
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = d.MaxLineLength
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
