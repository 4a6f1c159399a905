// internal/repository/postgres_journal.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grbl-service/internal/database"
	"grbl-service/internal/model"
)

// postgresJournal implements JournalRepository on PostgreSQL
type postgresJournal struct {
	db     *database.DB
	logger *zap.Logger
}

// NewPostgresJournal creates a journal on an open database. The schema is
// created by database.Migrator.
func NewPostgresJournal(db *database.DB, logger *zap.Logger) JournalRepository {
	return &postgresJournal{
		db:     db,
		logger: logger.With(zap.String("component", "postgres_journal")),
	}
}

const sessionColumns = `id, port, baud_rate, dialect, state, attempt, connected_at,
	closed_at, last_activity, failure, commands_sent, commands_failed, created_at`

const commandColumns = `id, session_id, seq, command, bytes, status, error_code,
	error_message, output, enqueued_at, sent_at, resolved_at, duration_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.SessionRecord, error) {
	s := &model.SessionRecord{}
	err := row.Scan(
		&s.ID, &s.Port, &s.BaudRate, &s.Dialect, &s.State, &s.Attempt,
		&s.ConnectedAt, &s.ClosedAt, &s.LastActivity, &s.Failure,
		&s.CommandsSent, &s.CommandsFailed, &s.CreatedAt,
	)
	return s, err
}

func scanCommand(row rowScanner) (*model.CommandRecord, error) {
	c := &model.CommandRecord{}
	err := row.Scan(
		&c.ID, &c.SessionID, &c.Seq, &c.Command, &c.Bytes, &c.Status,
		&c.ErrorCode, &c.ErrorMessage, &c.Output, &c.EnqueuedAt,
		&c.SentAt, &c.ResolvedAt, &c.DurationMs,
	)
	return c, err
}

// CreateSession inserts a new session record
func (r *postgresJournal) CreateSession(ctx context.Context, session *model.SessionRecord) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO link_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		session.ID, session.Port, session.BaudRate, session.Dialect,
		session.State, session.Attempt, session.ConnectedAt, session.ClosedAt,
		session.LastActivity, session.Failure, session.CommandsSent,
		session.CommandsFailed, session.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create session", zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSession updates the mutable columns of a session
func (r *postgresJournal) UpdateSession(ctx context.Context, session *model.SessionRecord) error {
	query := `
		UPDATE link_sessions SET
			state = $2, closed_at = $3, last_activity = $4, failure = $5,
			commands_sent = $6, commands_failed = $7
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		session.ID, session.State, session.ClosedAt, session.LastActivity,
		session.Failure, session.CommandsSent, session.CommandsFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("failed to update session: session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

// GetSession retrieves a session by id
func (r *postgresJournal) GetSession(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM link_sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to get session: session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first
func (r *postgresJournal) ListSessions(ctx context.Context, filter *model.SessionFilter) ([]*model.SessionRecord, int, error) {
	if filter == nil {
		filter = &model.SessionFilter{}
	}
	filter.Normalize()

	var conditions []string
	var args []interface{}
	if filter.Port != "" {
		args = append(args, filter.Port)
		conditions = append(conditions, fmt.Sprintf("port = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conditions = append(conditions, fmt.Sprintf("connected_at >= $%d", len(args)))
	}
	where := whereClause(conditions)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM link_sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM link_sessions%s ORDER BY connected_at DESC LIMIT $%d OFFSET $%d`,
		sessionColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.PerPage, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*model.SessionRecord{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			r.logger.Error("Failed to scan session", zap.Error(err))
			continue
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, total, nil
}

// SaveCommand inserts a command or advances an existing one
func (r *postgresJournal) SaveCommand(ctx context.Context, command *model.CommandRecord) error {
	query := `
		INSERT INTO link_commands (` + commandColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id, seq) DO UPDATE SET
			status = EXCLUDED.status, error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message, output = EXCLUDED.output,
			sent_at = EXCLUDED.sent_at, resolved_at = EXCLUDED.resolved_at,
			duration_ms = EXCLUDED.duration_ms
	`
	_, err := r.db.ExecContext(ctx, query,
		command.ID, command.SessionID, command.Seq, command.Command,
		command.Bytes, command.Status, command.ErrorCode, command.ErrorMessage,
		command.Output, command.EnqueuedAt, command.SentAt, command.ResolvedAt,
		command.DurationMs,
	)
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
func (r *postgresJournal) ListCommands(ctx context.Context, filter *model.CommandFilter) ([]*model.CommandRecord, int, error) {
	if filter == nil {
		filter = &model.CommandFilter{}
	}
	filter.Normalize()

	var conditions []string
	var args []interface{}
	if filter.SessionID != nil {
		args = append(args, *filter.SessionID)
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := whereClause(conditions)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM link_commands"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count commands: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM link_commands%s ORDER BY enqueued_at ASC, seq ASC LIMIT $%d OFFSET $%d`,
		commandColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.PerPage, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	commands := []*model.CommandRecord{}
	for rows.Next() {
		command, err := scanCommand(rows)
		if err != nil {
			r.logger.Error("Failed to scan command", zap.Error(err))
			continue
		}
		commands = append(commands, command)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate commands: %w", err)
	}
	return commands, total, nil
}

// GetStats counts sessions and commands
func (r *postgresJournal) GetStats(ctx context.Context) (*JournalStats, error) {
	stats := newJournalStats()
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM link_sessions").Scan(&stats.Sessions); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM link_commands GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count commands: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.CommandStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		stats.CommandsByStatus[status] = count
		stats.Commands += count
	}
	return stats, rows.Err()
}

// DeleteOlderThan removes closed sessions connected before olderThan.
// Commands go with them through the foreign key cascade.
func (r *postgresJournal) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM link_sessions WHERE closed_at IS NOT NULL AND connected_at < $1`

	result, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sessions: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("Journal cleanup completed", zap.Int64("sessions_deleted", deleted))
	}
	return deleted, nil
}

// Close is a no-op; the pool is owned by the caller
func (r *postgresJournal) Close() error {
	return nil
}

func whereClause(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}
