// internal/service/tracker.go
package service

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grbl-service/internal/link"
	"grbl-service/internal/model"
	"grbl-service/internal/utils"
)

// tracker accumulates the journal row of one session. It is only touched
// from that session's event goroutine once the session is connecting.
type tracker struct {
	*utils.SessionLogger
	rec model.SessionRecord
}

func newTracker(id uuid.UUID, t *target, attempt int, logger *zap.Logger) *tracker {
	now := time.Now()
	return &tracker{
		SessionLogger: utils.NewSessionLogger(logger, id.String(), t.port, t.baud),
		rec: model.SessionRecord{
			ID:           id,
			Port:         t.port,
			BaudRate:     t.baud,
			Dialect:      t.dialect.Name,
			State:        string(link.StateDisconnected),
			Attempt:      attempt,
			ConnectedAt:  now,
			LastActivity: now,
			CreatedAt:    now,
		},
	}
}

func (tr *tracker) record() model.SessionRecord {
	return tr.rec
}

func (tr *tracker) stateChanged(ev link.Event) model.SessionRecord {
	tr.rec.State = string(ev.To)
	tr.rec.LastActivity = ev.Time
	if isTerminal(ev.To) {
		closedAt := ev.Time
		tr.rec.ClosedAt = &closedAt
		if ev.Cause != nil {
			failure := ev.Cause.Error()
			tr.rec.Failure = &failure
		}
	}
	return tr.rec
}

// CommandStatus maps a resolution error onto the journal status
func CommandStatus(err error) model.CommandStatus {
	var rejected *link.RejectedError
	switch {
	case err == nil:
		return model.CommandStatusOK
	case errors.Is(err, link.ErrSessionClosed):
		return model.CommandStatusClosed
	case errors.As(err, &rejected):
		return model.CommandStatusRejected
	case errors.Is(err, link.ErrTimeout):
		return model.CommandStatusTimeout
	default:
		return model.CommandStatusClosed
	}
}

func commandRecord(sessionID uuid.UUID, info *link.CommandInfo, status model.CommandStatus) model.CommandRecord {
	rec := model.CommandRecord{
		ID:         info.ID,
		SessionID:  sessionID,
		Seq:        info.Seq,
		Command:    info.Text,
		Bytes:      info.Bytes,
		Status:     status,
		Output:     model.StringArray(info.Output),
		EnqueuedAt: info.EnqueuedAt,
	}
	if !info.SentAt.IsZero() {
		sentAt := info.SentAt
		rec.SentAt = &sentAt
	}
	if !info.ResolvedAt.IsZero() {
		resolvedAt := info.ResolvedAt
		rec.ResolvedAt = &resolvedAt
		duration := int(info.ResolvedAt.Sub(info.EnqueuedAt).Milliseconds())
		rec.DurationMs = &duration
	}
	if info.Err != nil {
		message := info.Err.Error()
		rec.ErrorMessage = &message
		var rejected *link.RejectedError
		if errors.As(info.Err, &rejected) {
			code := rejected.Code
			rec.ErrorCode = &code
		}
	}
	return rec
}
