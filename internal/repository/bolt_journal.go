// internal/repository/bolt_journal.go
package repository

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"grbl-service/internal/model"
)

var (
	sessionsBucket = []byte("sessions")
	commandsBucket = []byte("commands")
)

// boltJournal implements JournalRepository on an embedded bbolt file.
// Sessions are keyed by id; commands by session id followed by the
// big-endian sequence number, so a session's commands are contiguous and
// ordered.
type boltJournal struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltJournal opens or creates the journal file at path
func NewBoltJournal(path string, logger *zap.Logger) (JournalRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, commandsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal buckets: %w", err)
	}

	logger = logger.With(zap.String("component", "bolt_journal"))
	logger.Info("Journal opened", zap.String("path", path))
	return &boltJournal{db: db, logger: logger}, nil
}

func commandKey(sessionID uuid.UUID, seq uint64) []byte {
	key := make([]byte, 0, len(sessionID)+8)
	key = append(key, sessionID[:]...)
	return binary.BigEndian.AppendUint64(key, seq)
}

// CreateSession inserts a new session record
func (r *boltJournal) CreateSession(ctx context.Context, session *model.SessionRecord) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get(session.ID[:]) != nil {
			return fmt.Errorf("session already exists with id: %s", session.ID)
		}
		return putJSON(b, session.ID[:], session)
	})
	if err != nil {
		r.logger.Error("Failed to create session", zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSession replaces an existing session record
func (r *boltJournal) UpdateSession(ctx context.Context, session *model.SessionRecord) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get(session.ID[:]) == nil {
			return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
		}
		return putJSON(b, session.ID[:], session)
	})
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id
func (r *boltJournal) GetSession(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	session := &model.SessionRecord{}
	err := r.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get(id[:])
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, session)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first
func (r *boltJournal) ListSessions(ctx context.Context, filter *model.SessionFilter) ([]*model.SessionRecord, int, error) {
	if filter == nil {
		filter = &model.SessionFilter{}
	}
	filter.Normalize()

	var sessions []*model.SessionRecord
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, data []byte) error {
			session := &model.SessionRecord{}
			if err := json.Unmarshal(data, session); err != nil {
				r.logger.Error("Failed to decode session", zap.Error(err))
				return nil
			}
			if matchSession(session, filter) {
				sessions = append(sessions, session)
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ConnectedAt.After(sessions[j].ConnectedAt)
	})
	return page(sessions, filter.Offset(), filter.PerPage), len(sessions), nil
}

func matchSession(s *model.SessionRecord, f *model.SessionFilter) bool {
	if f.Port != "" && s.Port != f.Port {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	if f.Since != nil && s.ConnectedAt.Before(*f.Since) {
		return false
	}
	return true
}

// SaveCommand inserts or replaces a command record
func (r *boltJournal) SaveCommand(ctx context.Context, command *model.CommandRecord) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(commandsBucket), commandKey(command.SessionID, command.Seq), command)
	})
	if err != nil {
		r.logger.Error("Failed to save command",
			zap.String("command_id", command.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("failed to save command: %w", err)
	}
	return nil
}

// ListCommands returns commands in submission order
func (r *boltJournal) ListCommands(ctx context.Context, filter *model.CommandFilter) ([]*model.CommandRecord, int, error) {
	if filter == nil {
		filter = &model.CommandFilter{}
	}
	filter.Normalize()

	var commands []*model.CommandRecord
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(commandsBucket).Cursor()

		var prefix []byte
		if filter.SessionID != nil {
			prefix = filter.SessionID[:]
		}

		for k, data := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, data = c.Next() {
			command := &model.CommandRecord{}
			if err := json.Unmarshal(data, command); err != nil {
				r.logger.Error("Failed to decode command", zap.Error(err))
				continue
			}
			if filter.Status != "" && command.Status != filter.Status {
				continue
			}
			commands = append(commands, command)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list commands: %w", err)
	}

	if filter.SessionID == nil {
		sort.SliceStable(commands, func(i, j int) bool {
			return commands[i].EnqueuedAt.Before(commands[j].EnqueuedAt)
		})
	}
	return page(commands, filter.Offset(), filter.PerPage), len(commands), nil
}

// GetStats counts sessions and commands
func (r *boltJournal) GetStats(ctx context.Context) (*JournalStats, error) {
	stats := newJournalStats()
	err := r.db.View(func(tx *bbolt.Tx) error {
		stats.Sessions = tx.Bucket(sessionsBucket).Stats().KeyN
		return tx.Bucket(commandsBucket).ForEach(func(_, data []byte) error {
			var command struct {
				Status model.CommandStatus `json:"status"`
			}
			if err := json.Unmarshal(data, &command); err != nil {
				return nil
			}
			stats.Commands++
			stats.CommandsByStatus[command.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get journal stats: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan removes closed sessions connected before olderThan
func (r *boltJournal) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		sessions := tx.Bucket(sessionsBucket)
		commands := tx.Bucket(commandsBucket)

		var expired [][]byte
		err := sessions.ForEach(func(k, data []byte) error {
			session := &model.SessionRecord{}
			if err := json.Unmarshal(data, session); err != nil {
				return nil
			}
			if session.IsClosed() && session.ConnectedAt.Before(olderThan) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Keys cannot be deleted while iterating with ForEach
		for _, id := range expired {
			if err := deletePrefix(commands, id); err != nil {
				return err
			}
			if err := sessions.Delete(id); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("Journal cleanup completed", zap.Int64("sessions_deleted", deleted))
	}
	return deleted, nil
}

// Close closes the journal file
func (r *boltJournal) Close() error {
	return r.db.Close()
}

func deletePrefix(b *bbolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return b.Put(key, data)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
