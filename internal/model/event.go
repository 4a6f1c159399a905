// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event published to observers
type EventType string

const (
	EventSessionStateChanged EventType = "SESSION_STATE_CHANGED"
	EventCommandQueued       EventType = "COMMAND_QUEUED"
	EventCommandSent         EventType = "COMMAND_SENT"
	EventCommandResolved     EventType = "COMMAND_RESOLVED"
	EventControllerReport    EventType = "CONTROLLER_REPORT"
	EventFramingError        EventType = "FRAMING_ERROR"
	EventReconnecting        EventType = "RECONNECTING"
)

// Event severities
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// LinkEvent represents an event in the system
type LinkEvent struct {
	ID        uuid.UUID   `json:"id"`
	EventType EventType   `json:"event_type"`
	SessionID uuid.UUID   `json:"session_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Severity  string      `json:"severity"`
}

// StateChangedEventData represents a session state transition
type StateChangedEventData struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause,omitempty"`
}

// CommandEventData represents command lifecycle events
type CommandEventData struct {
	CommandID  uuid.UUID     `json:"command_id"`
	Seq        uint64        `json:"seq"`
	Command    string        `json:"command"`
	Bytes      int           `json:"bytes"`
	Status     CommandStatus `json:"status"`
	ErrorCode  *int          `json:"error_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Output     []string      `json:"output,omitempty"`
	DurationMs *int          `json:"duration_ms,omitempty"`
}

// ReportEventData represents an asynchronous controller line
type ReportEventData struct {
	Kind   string      `json:"kind"`
	Line   string      `json:"line"`
	Code   *int        `json:"code,omitempty"`
	Status interface{} `json:"status,omitempty"`
}

// ReconnectEventData represents a reconnection attempt
type ReconnectEventData struct {
	Port        string `json:"port"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Reason      string `json:"reason"`
}
