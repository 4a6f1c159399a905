// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"grbl-service/internal/model"
)

// ErrNotFound is returned when a journal row does not exist
var ErrNotFound = errors.New("not found")

// JournalRepository defines session and command history access
type JournalRepository interface {
	// Sessions
	CreateSession(ctx context.Context, session *model.SessionRecord) error
	UpdateSession(ctx context.Context, session *model.SessionRecord) error
	GetSession(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error)
	ListSessions(ctx context.Context, filter *model.SessionFilter) ([]*model.SessionRecord, int, error)

	// Commands are upserted by (session, seq) as they move through their lifecycle
	SaveCommand(ctx context.Context, command *model.CommandRecord) error
	ListCommands(ctx context.Context, filter *model.CommandFilter) ([]*model.CommandRecord, int, error)

	// Reporting
	GetStats(ctx context.Context) (*JournalStats, error)

	// Cleanup removes closed sessions, and their commands, connected before olderThan
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// JournalStats summarizes the journal contents
type JournalStats struct {
	Sessions         int                         `json:"sessions"`
	Commands         int                         `json:"commands"`
	CommandsByStatus map[model.CommandStatus]int `json:"commands_by_status"`
}

func newJournalStats() *JournalStats {
	return &JournalStats{CommandsByStatus: make(map[model.CommandStatus]int)}
}
