// internal/service/reconnect.go
package service

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grbl-service/internal/model"
)

// startReconnect launches the reconnect loop unless one is running
func (s *LinkService) startReconnect(cause error) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil || s.target == nil {
		s.mu.Unlock()
		s.reconnecting.Store(false)
		return
	}
	t := s.target
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.reconnecting.Store(false)
		s.reconnect(t, cause)
	}()
}

// reconnect opens new sessions to t until one connects, the attempts run
// out, or the user takes over
func (s *LinkService) reconnect(t *target, cause error) {
	policy := s.config.Reconnect
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		s.logger.Warn("Reconnecting",
			zap.String("port", t.port),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Error(cause),
		)
		s.bus.Publish(model.LinkEvent{
			ID:        uuid.New(),
			EventType: model.EventReconnecting,
			Data: model.ReconnectEventData{
				Port:        t.port,
				Attempt:     attempt,
				MaxAttempts: policy.MaxAttempts,
				Reason:      cause.Error(),
			},
			Timestamp: time.Now(),
			Source:    eventSource,
			Severity:  model.SeverityWarning,
		})

		timer := time.NewTimer(policy.Delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		done, err := s.tryReconnect(t, attempt)
		if done {
			return
		}
		cause = err
	}

	s.logger.Error("Reconnect attempts exhausted",
		zap.String("port", t.port),
		zap.Int("max_attempts", policy.MaxAttempts),
	)
}

// tryReconnect runs one attempt. It reports true when the loop should stop.
func (s *LinkService) tryReconnect(t *target, attempt int) (bool, error) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.closing.Load() || s.ctx.Err() != nil {
		return true, nil
	}
	if current, err := s.Current(); err == nil && !isTerminal(current.State()) {
		return true, nil
	}

	session, err := s.open(s.ctx, t, attempt)
	if err != nil {
		return false, err
	}
	s.logger.Info("Reconnected",
		zap.String("port", t.port),
		zap.String("session_id", session.ID().String()),
		zap.Int("attempt", attempt),
	)
	return true, nil
}
