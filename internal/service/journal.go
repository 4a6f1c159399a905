// internal/service/journal.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"grbl-service/internal/model"
	"grbl-service/internal/repository"
)

const journalWriteTimeout = 5 * time.Second

type journalOp func(ctx context.Context, j repository.JournalRepository) error

// journalWriter applies journal writes in order on its own goroutine so
// session event delivery never waits on storage
type journalWriter struct {
	journal repository.JournalRepository
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	ops    chan journalOp
	done   chan struct{}
}

func newJournalWriter(journal repository.JournalRepository, size int, logger *zap.Logger) *journalWriter {
	return &journalWriter{
		journal: journal,
		logger:  logger.With(zap.String("component", "journal_writer")),
		ops:     make(chan journalOp, size),
		done:    make(chan struct{}),
	}
}

func (w *journalWriter) run() {
	defer close(w.done)
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := op(ctx, w.journal); err != nil {
			w.logger.Error("Journal write failed", zap.Error(err))
		}
		cancel()
	}
}

func (w *journalWriter) enqueue(op journalOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.ops <- op:
		return true
	default:
		w.logger.Warn("Journal queue full, dropping write")
		return false
	}
}

func (w *journalWriter) createSession(rec model.SessionRecord) {
	w.enqueue(func(ctx context.Context, j repository.JournalRepository) error {
		return j.CreateSession(ctx, &rec)
	})
}

func (w *journalWriter) updateSession(rec model.SessionRecord) {
	w.enqueue(func(ctx context.Context, j repository.JournalRepository) error {
		return j.UpdateSession(ctx, &rec)
	})
}

func (w *journalWriter) saveCommand(rec model.CommandRecord) {
	w.enqueue(func(ctx context.Context, j repository.JournalRepository) error {
		return j.SaveCommand(ctx, &rec)
	})
}

// flush waits until every write queued so far was applied
func (w *journalWriter) flush(ctx context.Context) {
	done := make(chan struct{})
	queued := w.enqueue(func(context.Context, repository.JournalRepository) error {
		close(done)
		return nil
	})
	if !queued {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	case <-w.done:
	}
}

// close stops accepting writes and waits for the queue to drain
func (w *journalWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}
