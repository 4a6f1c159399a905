// internal/service/link_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial/enumerator"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"grbl-service/internal/config"
	"grbl-service/internal/dialect"
	"grbl-service/internal/events"
	"grbl-service/internal/link"
	"grbl-service/internal/model"
	"grbl-service/internal/protocol"
	"grbl-service/internal/repository"
	"grbl-service/internal/utils"
)

// PortLister enumerates the serial ports of the host
type PortLister func() ([]*enumerator.PortDetails, error)

// target is what a reconnect dials again
type target struct {
	port    string
	baud    int
	dialect *dialect.Dialect
}

// LinkService owns the current controller session and everything around
// it: journaling, event publishing and reconnection.
type LinkService struct {
	config   *config.LinkConfig
	registry *dialect.Registry
	dial     link.Dialer
	journal  repository.JournalRepository
	bus      *events.Bus
	ports    PortLister
	logger   *utils.ServiceLogger
	base     *zap.Logger

	connectMu sync.Mutex
	mu        sync.RWMutex
	session   *link.Session
	target    *target

	reconnecting *atomic.Bool
	closing      *atomic.Bool

	recorder *journalWriter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewLinkService creates a link service instance
func NewLinkService(
	cfg *config.LinkConfig,
	registry *dialect.Registry,
	dial link.Dialer,
	journal repository.JournalRepository,
	bus *events.Bus,
	logger *zap.Logger,
) *LinkService {
	ctx, cancel := context.WithCancel(context.Background())
	s := &LinkService{
		config:       cfg,
		registry:     registry,
		dial:         dial,
		journal:      journal,
		bus:          bus,
		ports:        enumerator.GetDetailedPortsList,
		logger:       utils.NewServiceLogger(logger, "link-service"),
		base:         logger,
		reconnecting: atomic.NewBool(false),
		closing:      atomic.NewBool(false),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.recorder = newJournalWriter(journal, 4096, s.logger.Logger)
	return s
}

// SetPortLister replaces the serial port enumerator
func (s *LinkService) SetPortLister(l PortLister) {
	s.ports = l
}

// Start launches the journal writer and, when configured, connects to the
// default port
func (s *LinkService) Start(ctx context.Context) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recorder.run()
	}()

	if !s.config.AutoConnect {
		return nil
	}
	_, err := s.Connect(ctx, &model.ConnectRequest{Port: s.config.DefaultPort})
	if err != nil {
		s.logger.Error("Auto connect failed", zap.String("port", s.config.DefaultPort), zap.Error(err))
	}
	return nil
}

// Stop disconnects the current session and flushes the journal
func (s *LinkService) Stop() {
	s.mu.Lock()
	s.closing.Store(true)
	s.cancel()
	session := s.session
	s.mu.Unlock()

	if session != nil {
		if err := session.Disconnect(); err != nil && !errors.Is(err, link.ErrSessionClosed) {
			s.logger.Warn("Failed to disconnect session", zap.Error(err))
		}
		<-session.Done()
	}

	s.recorder.close()
	s.wg.Wait()
	s.logger.LogServiceStop("shutdown")
}

// Connect opens a new session. It fails with ErrSessionActive while the
// current session is not terminal.
func (s *LinkService) Connect(ctx context.Context, req *model.ConnectRequest) (link.Snapshot, error) {
	t, err := s.resolveTarget(req)
	if err != nil {
		return link.Snapshot{}, err
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if current, err := s.Current(); err == nil && !isTerminal(current.State()) {
		return link.Snapshot{}, fmt.Errorf("%w: %s on %s", ErrSessionActive, current.ID(), current.Snapshot().Port)
	}

	s.closing.Store(false)
	session, err := s.open(ctx, t, 0)
	if err != nil {
		return session.Snapshot(), err
	}
	return session.Snapshot(), nil
}

func (s *LinkService) resolveTarget(req *model.ConnectRequest) (*target, error) {
	if req == nil || req.Port == "" {
		return nil, fmt.Errorf("%w: port is required", ErrInvalidRequest)
	}
	kind, _, err := protocol.ParsePort(req.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	baud := req.BaudRate
	if baud == 0 {
		baud = s.config.DefaultBaudRate
	}
	if err := protocol.ValidateBaudRate(kind, baud); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	name := req.Dialect
	if name == "" {
		name = s.config.DefaultDialect
	}
	d, err := s.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return &target{port: req.Port, baud: baud, dialect: d}, nil
}

// open creates, registers and connects a session. Callers hold connectMu.
func (s *LinkService) open(ctx context.Context, t *target, attempt int) (*link.Session, error) {
	session := link.NewSession(s.linkConfig(), t.dialect, s.dial, s.base)
	tr := newTracker(session.ID(), t, attempt, s.base)
	session.OnEvent(func(ev link.Event) { s.handleEvent(tr, ev) })

	s.mu.Lock()
	s.session = session
	s.target = t
	s.mu.Unlock()

	s.recorder.createSession(tr.record())
	tr.Info("Connecting session", zap.String("dialect", t.dialect.Name), zap.Int("attempt", attempt))

	if err := session.Connect(ctx, t.port, t.baud); err != nil {
		tr.Error("Session connect failed", zap.Error(err))
		return session, fmt.Errorf("failed to connect: %w", err)
	}
	return session, nil
}

func (s *LinkService) linkConfig() link.Config {
	policy, err := link.ParseErrorPolicy(s.config.ErrorPolicy)
	if err != nil {
		policy = link.HaltOnError
	}
	return link.Config{
		RxBufferSize:       s.config.RxBufferSize,
		AckTimeout:         s.config.AckTimeout,
		SettleTime:         s.config.SettleTime,
		ErrorPolicy:        policy,
		MaxLineLength:      s.config.MaxLineLength,
		StatusPollInterval: s.config.StatusPollInterval,
		RequireBanner:      s.config.RequireBanner,
		EventBuffer:        s.config.EventBuffer,
	}
}

// Disconnect closes the current session and cancels any pending reconnect
func (s *LinkService) Disconnect() (link.Snapshot, error) {
	s.closing.Store(true)

	session, err := s.Current()
	if err != nil {
		return link.Snapshot{}, err
	}
	if err := session.Disconnect(); err != nil {
		return session.Snapshot(), err
	}
	s.logger.Info("Session disconnected", zap.String("session_id", session.ID().String()))
	return session.Snapshot(), nil
}

// Current returns the most recent session, live or terminal
func (s *LinkService) Current() (*link.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, ErrNoSession
	}
	return s.session, nil
}

// Snapshot returns the view of the most recent session
func (s *LinkService) Snapshot() (link.Snapshot, error) {
	session, err := s.Current()
	if err != nil {
		return link.Snapshot{}, err
	}
	return session.Snapshot(), nil
}

// TransportInfo returns the kind, address and byte counters of the live
// session's connection
func (s *LinkService) TransportInfo() (*protocol.Info, bool) {
	session, err := s.Current()
	if err != nil {
		return nil, false
	}
	return protocol.Describe(session.Transport())
}

// Submit queues a line command on the current session
func (s *LinkService) Submit(command string) (*link.Handle, error) {
	session, err := s.Current()
	if err != nil {
		return nil, err
	}
	return session.Submit(command)
}

// Jog queues a relative jog
func (s *LinkService) Jog(dx, dy, feed float64) (*link.Handle, error) {
	session, err := s.Current()
	if err != nil {
		return nil, err
	}
	return session.Jog(dx, dy, feed)
}

// MoveAbsolute queues an absolute linear move
func (s *LinkService) MoveAbsolute(x, y, feed float64) (*link.Handle, error) {
	session, err := s.Current()
	if err != nil {
		return nil, err
	}
	return session.MoveAbsolute(x, y, feed)
}

// Home queues the homing cycle
func (s *LinkService) Home() (*link.Handle, error) {
	session, err := s.Current()
	if err != nil {
		return nil, err
	}
	return session.Home()
}

// Unlock queues the alarm unlock command
func (s *LinkService) Unlock() (*link.Handle, error) {
	session, err := s.Current()
	if err != nil {
		return nil, err
	}
	return session.Unlock()
}

// Realtime commands accepted by Realtime
const (
	RealtimeHold      = "hold"
	RealtimeResume    = "resume"
	RealtimeReset     = "reset"
	RealtimeStatus    = "status"
	RealtimeJogCancel = "jog-cancel"
)

// Realtime sends one of the out-of-band realtime commands
func (s *LinkService) Realtime(name string) error {
	session, err := s.Current()
	if err != nil {
		return err
	}

	switch name {
	case RealtimeHold:
		return session.RequestHold()
	case RealtimeResume:
		return session.Resume()
	case RealtimeReset:
		return session.RequestReset()
	case RealtimeStatus:
		return session.RequestStatus()
	case RealtimeJogCancel:
		return session.JogCancel()
	default:
		return fmt.Errorf("%w: unknown realtime command %q", ErrInvalidRequest, name)
	}
}

// Wait blocks until h resolves, ctx ends or the configured wait timeout passes
func (s *LinkService) Wait(ctx context.Context, h *link.Handle) error {
	if s.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.WaitTimeout)
		defer cancel()
	}
	return h.Wait(ctx)
}

// ListSessions returns journaled sessions
func (s *LinkService) ListSessions(ctx context.Context, filter *model.SessionFilter) ([]*model.SessionRecord, int, error) {
	s.recorder.flush(ctx)
	return s.journal.ListSessions(ctx, filter)
}

// GetSession returns one journaled session
func (s *LinkService) GetSession(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	s.recorder.flush(ctx)
	return s.journal.GetSession(ctx, id)
}

// ListCommands returns journaled commands, of the current session when the
// filter names none
func (s *LinkService) ListCommands(ctx context.Context, filter *model.CommandFilter) ([]*model.CommandRecord, int, error) {
	if filter == nil {
		filter = &model.CommandFilter{}
	}
	if filter.SessionID == nil {
		session, err := s.Current()
		if err != nil {
			return nil, 0, err
		}
		id := session.ID()
		filter.SessionID = &id
	}
	s.recorder.flush(ctx)
	return s.journal.ListCommands(ctx, filter)
}

// JournalStats summarizes the journal
func (s *LinkService) JournalStats(ctx context.Context) (*repository.JournalStats, error) {
	return s.journal.GetStats(ctx)
}

// CleanupJournal removes closed sessions older than the retention window
func (s *LinkService) CleanupJournal(ctx context.Context, retention time.Duration) (int64, error) {
	return s.journal.DeleteOlderThan(ctx, time.Now().Add(-retention))
}

// RunJournalCleanup prunes the journal every interval until the service stops
func (s *LinkService) RunJournalCleanup(interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.CleanupJournal(s.ctx, retention); err != nil && s.ctx.Err() == nil {
					s.logger.Error("Journal cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// ListPorts enumerates the serial ports of the host
func (s *LinkService) ListPorts() ([]model.PortInfo, error) {
	details, err := s.ports()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate ports: %w", err)
	}

	ports := make([]model.PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, model.PortInfo{
			Name:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			SerialNumber: d.SerialNumber,
			Product:      d.Product,
		})
	}
	return ports, nil
}

// Dialects lists the registered dialects
func (s *LinkService) Dialects() []*dialect.Dialect {
	return s.registry.List()
}

// PortInUse reports whether port belongs to a live session or to one being
// reconnected
func (s *LinkService) PortInUse(port string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reconnecting.Load() && s.target != nil && s.target.port == port {
		return true
	}
	if s.session == nil || isTerminal(s.session.State()) {
		return false
	}
	return s.target != nil && s.target.port == port
}

// IsReconnecting reports whether a reconnect loop is running
func (s *LinkService) IsReconnecting() bool {
	return s.reconnecting.Load()
}

func isTerminal(state link.State) bool {
	return state == link.StateDisconnected || state == link.StateFailed
}
