// internal/model/command.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus represents the lifecycle position of a journaled command
type CommandStatus string

const (
	CommandStatusQueued   CommandStatus = "QUEUED"
	CommandStatusSent     CommandStatus = "SENT"
	CommandStatusOK       CommandStatus = "OK"
	CommandStatusRejected CommandStatus = "REJECTED"
	CommandStatusTimeout  CommandStatus = "TIMEOUT"
	CommandStatusClosed   CommandStatus = "CLOSED"
)

// CommandRecord is the journal row of one submitted line command
type CommandRecord struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	SessionID    uuid.UUID     `json:"session_id" db:"session_id"`
	Seq          uint64        `json:"seq" db:"seq"`
	Command      string        `json:"command" db:"command"`
	Bytes        int           `json:"bytes" db:"bytes"`
	Status       CommandStatus `json:"status" db:"status"`
	ErrorCode    *int          `json:"error_code" db:"error_code"`
	ErrorMessage *string       `json:"error_message" db:"error_message"`
	Output       StringArray   `json:"output" db:"output"`
	EnqueuedAt   time.Time     `json:"enqueued_at" db:"enqueued_at"`
	SentAt       *time.Time    `json:"sent_at" db:"sent_at"`
	ResolvedAt   *time.Time    `json:"resolved_at" db:"resolved_at"`
	DurationMs   *int          `json:"duration_ms" db:"duration_ms"`
}

// IsCompleted checks if the command was resolved one way or another
func (c *CommandRecord) IsCompleted() bool {
	return c.Status == CommandStatusOK ||
		c.Status == CommandStatusRejected ||
		c.Status == CommandStatusTimeout ||
		c.Status == CommandStatusClosed
}

// IsSuccessful checks if the controller acknowledged the command
func (c *CommandRecord) IsSuccessful() bool {
	return c.Status == CommandStatusOK
}

// CommandFilter narrows command journal queries
type CommandFilter struct {
	SessionID *uuid.UUID    `json:"session_id,omitempty" form:"session_id"`
	Status    CommandStatus `json:"status,omitempty" form:"status"`
	Page      int           `json:"page" form:"page"`
	PerPage   int           `json:"per_page" form:"per_page"`
}

// Normalize applies paging defaults and limits
func (f *CommandFilter) Normalize() {
	f.Page, f.PerPage = normalizePage(f.Page, f.PerPage)
}

// Offset returns the number of rows skipped by the current page
func (f *CommandFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}
