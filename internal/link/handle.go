// internal/link/handle.go
package link

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle tracks the eventual outcome of one submitted command
type Handle struct {
	ID   uuid.UUID
	Seq  uint64
	Text string

	once       sync.Once
	done       chan struct{}
	err        error
	output     []string
	resolvedAt time.Time
}

func newHandle(pc *PendingCommand) *Handle {
	return &Handle{
		ID:   pc.ID,
		Seq:  pc.Seq,
		Text: pc.Text,
		done: make(chan struct{}),
	}
}

// resolve settles the handle; later calls are ignored
func (h *Handle) resolve(err error, output []string, at time.Time) bool {
	resolved := false
	h.once.Do(func() {
		h.err = err
		h.output = output
		h.resolvedAt = at
		close(h.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the command is resolved
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Resolved reports whether the command has been resolved
func (h *Handle) Resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the resolution error; nil until resolved or when acknowledged
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Output returns feedback lines received while the command was the oldest in flight
func (h *Handle) Output() []string {
	select {
	case <-h.done:
		return h.output
	default:
		return nil
	}
}

// ResolvedAt returns when the command was resolved
func (h *Handle) ResolvedAt() time.Time {
	select {
	case <-h.done:
		return h.resolvedAt
	default:
		return time.Time{}
	}
}

// Wait blocks until the command resolves or ctx ends. A ctx error leaves the command queued.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
