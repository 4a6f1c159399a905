// internal/repository/nop_journal.go
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grbl-service/internal/model"
)

type nopJournal struct{}

// NewNopJournal returns a journal that records nothing
func NewNopJournal() JournalRepository {
	return nopJournal{}
}

func (nopJournal) CreateSession(context.Context, *model.SessionRecord) error { return nil }
func (nopJournal) UpdateSession(context.Context, *model.SessionRecord) error { return nil }

func (nopJournal) GetSession(context.Context, uuid.UUID) (*model.SessionRecord, error) {
	return nil, ErrNotFound
}

func (nopJournal) ListSessions(context.Context, *model.SessionFilter) ([]*model.SessionRecord, int, error) {
	return []*model.SessionRecord{}, 0, nil
}

func (nopJournal) SaveCommand(context.Context, *model.CommandRecord) error { return nil }

func (nopJournal) ListCommands(context.Context, *model.CommandFilter) ([]*model.CommandRecord, int, error) {
	return []*model.CommandRecord{}, 0, nil
}

func (nopJournal) GetStats(context.Context) (*JournalStats, error) { return newJournalStats(), nil }

func (nopJournal) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func (nopJournal) Close() error { return nil }
