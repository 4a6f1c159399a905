// internal/model/session.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionRecord is the journal row of one connection attempt
type SessionRecord struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Port           string     `json:"port" db:"port"`
	BaudRate       int        `json:"baud_rate" db:"baud_rate"`
	Dialect        string     `json:"dialect" db:"dialect"`
	State          string     `json:"state" db:"state"`
	Attempt        int        `json:"attempt" db:"attempt"`
	ConnectedAt    time.Time  `json:"connected_at" db:"connected_at"`
	ClosedAt       *time.Time `json:"closed_at" db:"closed_at"`
	LastActivity   time.Time  `json:"last_activity" db:"last_activity"`
	Failure        *string    `json:"failure" db:"failure"`
	CommandsSent   int        `json:"commands_sent" db:"commands_sent"`
	CommandsFailed int        `json:"commands_failed" db:"commands_failed"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsClosed checks if the session reached a terminal state
func (s *SessionRecord) IsClosed() bool {
	return s.ClosedAt != nil
}

// SessionFilter narrows session journal queries
type SessionFilter struct {
	Port    string     `json:"port,omitempty" form:"port"`
	State   string     `json:"state,omitempty" form:"state"`
	Since   *time.Time `json:"since,omitempty" form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Page    int        `json:"page" form:"page"`
	PerPage int        `json:"per_page" form:"per_page"`
}

// Normalize applies paging defaults and limits
func (f *SessionFilter) Normalize() {
	f.Page, f.PerPage = normalizePage(f.Page, f.PerPage)
}

// Offset returns the number of rows skipped by the current page
func (f *SessionFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 500 {
		perPage = 500
	}
	return page, perPage
}
