// internal/service/events.go
package service

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grbl-service/internal/link"
	"grbl-service/internal/model"
)

const eventSource = "link-service"

// handleEvent journals and publishes one session event. It runs on the
// session's event goroutine.
func (s *LinkService) handleEvent(tr *tracker, ev link.Event) {
	switch ev.Type {
	case link.EventStateChanged:
		s.recorder.updateSession(tr.stateChanged(ev))
		tr.LogStateChange(string(ev.From), string(ev.To), ev.Cause)

		data := model.StateChangedEventData{From: string(ev.From), To: string(ev.To)}
		if ev.Cause != nil {
			data.Cause = ev.Cause.Error()
		}
		severity := model.SeverityInfo
		switch ev.To {
		case link.StateAlarm:
			severity = model.SeverityWarning
		case link.StateFailed:
			severity = model.SeverityError
		}
		s.publish(ev, model.EventSessionStateChanged, severity, data)

		if ev.To == link.StateFailed && s.shouldReconnect(ev.Cause) {
			s.startReconnect(ev.Cause)
		}

	case link.EventCommandQueued:
		rec := commandRecord(ev.SessionID, ev.Command, model.CommandStatusQueued)
		s.recorder.saveCommand(rec)
		s.publish(ev, model.EventCommandQueued, model.SeverityInfo, commandEventData(rec))

	case link.EventCommandSent:
		tr.rec.CommandsSent++
		rec := commandRecord(ev.SessionID, ev.Command, model.CommandStatusSent)
		s.recorder.saveCommand(rec)
		s.publish(ev, model.EventCommandSent, model.SeverityInfo, commandEventData(rec))

	case link.EventCommandResolved:
		status := CommandStatus(ev.Command.Err)
		if status != model.CommandStatusOK {
			tr.rec.CommandsFailed++
		}
		rec := commandRecord(ev.SessionID, ev.Command, status)
		s.recorder.saveCommand(rec)
		tr.LogCommand(rec.Seq, rec.Command, ev.Command.ResolvedAt.Sub(ev.Command.EnqueuedAt), ev.Command.Err)

		severity := model.SeverityInfo
		if status == model.CommandStatusRejected || status == model.CommandStatusTimeout {
			severity = model.SeverityWarning
		}
		s.publish(ev, model.EventCommandResolved, severity, commandEventData(rec))

	case link.EventReport:
		if ev.Response == nil {
			return
		}
		data := model.ReportEventData{Kind: ev.Response.Kind.String(), Line: ev.Response.Line}
		severity := model.SeverityInfo
		switch ev.Response.Kind {
		case link.ResponseError, link.ResponseAlarm:
			code := ev.Response.Code
			data.Code = &code
			severity = model.SeverityWarning
		case link.ResponseStatus:
			if ev.Response.Status != nil {
				data.Status = ev.Response.Status
			}
		}
		s.publish(ev, model.EventControllerReport, severity, data)

	case link.EventFramingError:
		data := model.ReportEventData{Kind: "framing_error"}
		if ev.Err != nil {
			data.Line = ev.Err.Error()
		}
		s.publish(ev, model.EventFramingError, model.SeverityWarning, data)

	default:
		s.logger.Debug("Ignoring session event", zap.String("type", string(ev.Type)))
	}
}

func (s *LinkService) publish(ev link.Event, eventType model.EventType, severity string, data interface{}) {
	s.bus.Publish(model.LinkEvent{
		ID:        uuid.New(),
		EventType: eventType,
		SessionID: ev.SessionID,
		Data:      data,
		Timestamp: ev.Time,
		Source:    eventSource,
		Severity:  severity,
	})
}

func commandEventData(rec model.CommandRecord) model.CommandEventData {
	data := model.CommandEventData{
		CommandID:  rec.ID,
		Seq:        rec.Seq,
		Command:    rec.Command,
		Bytes:      rec.Bytes,
		Status:     rec.Status,
		ErrorCode:  rec.ErrorCode,
		Output:     rec.Output,
		DurationMs: rec.DurationMs,
	}
	if rec.ErrorMessage != nil {
		data.Error = *rec.ErrorMessage
	}
	return data
}

// shouldReconnect reports whether a failure cause warrants a new session.
// Rejections and user disconnects never do.
func (s *LinkService) shouldReconnect(cause error) bool {
	if !s.config.Reconnect.Enabled || s.closing.Load() || cause == nil {
		return false
	}
	var rejected *link.RejectedError
	if errors.As(cause, &rejected) {
		return false
	}
	return errors.Is(cause, link.ErrIO) || errors.Is(cause, link.ErrTimeout)
}
