// internal/link/event.go
package link

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a session notification
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventCommandQueued   EventType = "command_queued"
	EventCommandSent     EventType = "command_sent"
	EventCommandResolved EventType = "command_resolved"
	EventReport          EventType = "report"
	EventFramingError    EventType = "framing_error"
)

// CommandInfo is an immutable snapshot of a command's lifecycle
type CommandInfo struct {
	ID         uuid.UUID
	Seq        uint64
	Text       string
	Bytes      int
	EnqueuedAt time.Time
	SentAt     time.Time
	ResolvedAt time.Time
	Err        error
	Output     []string
}

// Event is delivered to observers in emission order
type Event struct {
	Type      EventType
	SessionID uuid.UUID
	Time      time.Time

	// State changes
	From  State
	To    State
	Cause error

	Command  *CommandInfo
	Response *Response
	Err      error
}

// sheddable reports whether the event may be dropped when observers lag.
// Lifecycle events always reach observers.
func (ev Event) sheddable() bool {
	return ev.Type == EventReport || ev.Type == EventFramingError
}

// EventHandler observes session events. Handlers run on the session's event
// goroutine and must not block for long.
type EventHandler func(Event)

func (pc *PendingCommand) info(resolvedAt time.Time, err error) *CommandInfo {
	info := &CommandInfo{
		ID:         pc.ID,
		Seq:        pc.Seq,
		Text:       pc.Text,
		Bytes:      pc.Len(),
		EnqueuedAt: pc.EnqueuedAt,
		SentAt:     pc.SentAt,
		ResolvedAt: resolvedAt,
		Err:        err,
	}
	if len(pc.output) > 0 {
		info.Output = append([]string(nil), pc.output...)
	}
	return info
}
