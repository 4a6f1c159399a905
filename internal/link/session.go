// internal/link/session.go
package link

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grbl-service/internal/dialect"
)

// Session owns one connection attempt to a controller. It is single-use:
// after Disconnect or a failure a new Session must be created.
//
// Lock order is mu then writeMu. Dispatch takes writeMu before releasing mu
// so batches reach the wire in queue order; realtime bytes take writeMu only.
type Session struct {
	id      uuid.UUID
	cfg     Config
	dialect *dialect.Dialect
	dial    Dialer
	logger  *zap.Logger
	matcher *Matcher
	framer  *Framer
	flow    *FlowController

	mu           sync.Mutex
	state        State
	used         bool
	port         string
	baud         int
	createdAt    time.Time
	lastActivity time.Time
	failure      error
	seq          uint64
	status       *dialect.Status
	bannerSeen   bool
	handshakeGen uint64
	timerBase    time.Time
	transport    Transport
	runCtx       context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	writeMu sync.Mutex

	handlersMu    sync.RWMutex
	handlers      []EventHandler
	droppedEvents int
	eventsClosed  bool
	eventsDone    chan struct{}

	// queueMu guards the pending events; it nests inside mu
	queueMu     sync.Mutex
	queue       []Event
	queueClosed bool
	queueReady  chan struct{}
}

// Snapshot is a point-in-time view of a session
type Snapshot struct {
	ID            uuid.UUID       `json:"id"`
	Port          string          `json:"port"`
	Baud          int             `json:"baud_rate"`
	Dialect       string          `json:"dialect"`
	State         State           `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
	LastActivity  time.Time       `json:"last_activity"`
	Outstanding   int             `json:"bytes_outstanding"`
	Budget        int             `json:"rx_buffer_size"`
	Waiting       int             `json:"waiting"`
	InFlight      int             `json:"in_flight"`
	Status        *dialect.Status `json:"status,omitempty"`
	Failure       string          `json:"failure,omitempty"`
	DroppedEvents int             `json:"dropped_events"`
}

// NewSession creates a disconnected session for dialect d
func NewSession(cfg Config, d *dialect.Dialect, dial Dialer, logger *zap.Logger) *Session {
	cfg = cfg.withDefaults()
	budget := d.RxBufferSize
	if cfg.RxBufferSize > 0 {
		budget = cfg.RxBufferSize
	}

	id := uuid.New()
	s := &Session{
		id:         id,
		cfg:        cfg,
		dialect:    d,
		dial:       dial,
		logger:     logger.With(zap.String("session_id", id.String())),
		matcher:    NewMatcher(d),
		framer:     NewFramer(d.Terminator, cfg.MaxLineLength),
		flow:       NewFlowController(budget),
		state:      StateDisconnected,
		createdAt:  time.Now(),
		runCtx:     context.Background(),
		eventsDone: make(chan struct{}),
		queueReady: make(chan struct{}, 1),
	}
	go s.dispatchEvents()
	return s
}

// ID returns the session identifier
func (s *Session) ID() uuid.UUID { return s.id }

// Dialect returns the dialect the session speaks
func (s *Session) Dialect() *dialect.Dialect { return s.dialect }

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the cause of a Failed session
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Done is closed once the session is terminal and every event was delivered
func (s *Session) Done() <-chan struct{} {
	return s.eventsDone
}

// Transport returns the live transport, or nil before Connect and once the
// session is terminal
func (s *Session) Transport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// OnEvent registers an observer. Register before Connect to see every event.
func (s *Session) OnEvent(h EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	handlers := make([]EventHandler, len(s.handlers), len(s.handlers)+1)
	copy(handlers, s.handlers)
	s.handlers = append(handlers, h)
}

// Snapshot returns the current session view
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:            s.id,
		Port:          s.port,
		Baud:          s.baud,
		Dialect:       s.dialect.Name,
		State:         s.state,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		Outstanding:   s.flow.Outstanding(),
		Budget:        s.flow.Max(),
		Waiting:       s.flow.Waiting(),
		InFlight:      s.flow.InFlight(),
		DroppedEvents: s.droppedEvents,
	}
	if s.status != nil {
		st := *s.status
		snap.Status = &st
	}
	if s.failure != nil {
		snap.Failure = s.failure.Error()
	}
	return snap
}

// Connect opens the transport and runs the wake-up handshake. It is only
// valid on a fresh session.
func (s *Session) Connect(ctx context.Context, port string, baud int) error {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s cannot be reused", ErrSessionClosed, s.id)
	}
	s.used = true
	s.port, s.baud = port, baud
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.setStateLocked(StateConnecting, nil)
	s.handshakeGen++
	gen := s.handshakeGen
	s.mu.Unlock()

	s.logger.Info("Opening link",
		zap.String("port", port),
		zap.Int("baud_rate", baud),
		zap.String("dialect", s.dialect.Name),
	)

	t, err := s.dial(ctx, port, baud)
	if err != nil {
		cerr := fmt.Errorf("%w: failed to open %s: %w", ErrConnection, port, err)
		s.fail(cerr)
		return cerr
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		_ = t.Close()
		return err
	}
	s.transport = t
	s.lastActivity = time.Now()
	runCtx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(runCtx, t)

	if err := s.handshake(ctx, gen); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state.accepting() {
		if s.cfg.AckTimeout > 0 {
			s.wg.Add(1)
			go s.watchdog(runCtx)
		}
		if s.cfg.StatusPollInterval > 0 && s.dialect.Realtime.StatusQuery != 0 {
			s.wg.Add(1)
			go s.pollStatus(runCtx)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Link established", zap.String("port", port))
	return nil
}

// handshake waits for the controller to settle, wakes it up and clears any
// start-up chatter. A superseded handshake returns nil without effect.
func (s *Session) handshake(ctx context.Context, gen uint64) error {
	if err := s.sleep(ctx, s.cfg.SettleTime); err != nil {
		return err
	}
	if s.dialect.WakeUp != "" {
		if err := s.writeRaw([]byte(s.dialect.WakeUp)); err != nil {
			return err
		}
	}
	if err := s.sleep(ctx, s.cfg.SettleTime); err != nil {
		return err
	}

	s.mu.Lock()
	if s.handshakeGen != gen {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateConnecting || s.transport == nil {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: failed to clear input: %w", ErrIO, err)
	}

	s.mu.Lock()
	if s.handshakeGen != gen {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateConnecting {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	s.framer.Reset()
	if s.cfg.RequireBanner && !s.bannerSeen {
		s.mu.Unlock()
		return fmt.Errorf("%w: no welcome banner from %s", ErrTimeout, s.port)
	}
	s.bannerSeen = false
	s.timerBase = time.Now()
	s.setStateLocked(StateIdle, nil)
	s.updateOccupancyLocked()
	s.dispatchAndUnlock()
	return nil
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: handshake deadline exceeded", ErrTimeout)
		}
		return closedError(ctx.Err())
	case <-s.runCtx.Done():
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.terminalErrLocked()
	}
}

// Submit validates and queues a line command. The returned handle resolves
// when the firmware acknowledges it or the session ends.
func (s *Session) Submit(command string) (*Handle, error) {
	text := strings.TrimSpace(command)
	if err := s.validate(text); err != nil {
		return nil, err
	}
	framed := s.framer.Frame(text)
	if len(framed) > s.flow.Max() {
		return nil, fmt.Errorf("%w: %d bytes exceed the %d byte receive buffer", ErrInvalidCommand, len(framed), s.flow.Max())
	}

	s.mu.Lock()
	if !s.state.accepting() {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return nil, err
	}
	s.seq++
	pc := &PendingCommand{
		ID:         uuid.New(),
		Seq:        s.seq,
		Text:       text,
		Framed:     framed,
		EnqueuedAt: time.Now(),
		Timeout:    s.dialect.AckTimeout(text),
	}
	pc.handle = newHandle(pc)
	s.flow.Enqueue(pc)
	s.emitLocked(Event{Type: EventCommandQueued, Command: pc.info(time.Time{}, nil)})
	s.updateOccupancyLocked()
	h := pc.handle
	s.dispatchAndUnlock()
	return h, nil
}

func (s *Session) validate(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	for i := 0; i < len(text); i++ {
		b := text[i]
		switch {
		case b == '\r' || b == '\n':
			return fmt.Errorf("%w: embedded line terminator", ErrInvalidCommand)
		case s.dialect.IsRealtime(b):
			return fmt.Errorf("%w: realtime byte 0x%02x in line command", ErrInvalidCommand, b)
		case b < 0x20 || b >= 0x7f:
			return fmt.Errorf("%w: control byte 0x%02x", ErrInvalidCommand, b)
		}
	}
	return nil
}

// Home queues the homing cycle
func (s *Session) Home() (*Handle, error) {
	return s.submitTemplate("home", s.dialect.Commands.Home)
}

// Unlock queues the alarm unlock command
func (s *Session) Unlock() (*Handle, error) {
	return s.submitTemplate("unlock", s.dialect.Commands.Unlock)
}

// Jog queues a relative jog move
func (s *Session) Jog(dx, dy, feed float64) (*Handle, error) {
	cmd, err := s.dialect.FormatJog(dx, dy, feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return s.Submit(cmd)
}

// MoveAbsolute queues a single absolute positioning line
func (s *Session) MoveAbsolute(x, y, feed float64) (*Handle, error) {
	cmd, err := s.dialect.FormatMoveAbsolute(x, y, feed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return s.Submit(cmd)
}

func (s *Session) submitTemplate(name, cmd string) (*Handle, error) {
	if cmd == "" {
		return nil, fmt.Errorf("%w: dialect %s has no %s command", ErrInvalidCommand, s.dialect.Name, name)
	}
	return s.Submit(cmd)
}

// RequestHold sends feed hold followed by a status query so the firmware
// reports the Hold state.
func (s *Session) RequestHold() error {
	if err := s.sendRealtime(s.dialect.Realtime.FeedHold, "feed hold"); err != nil {
		return err
	}
	if s.dialect.Realtime.StatusQuery == 0 {
		return nil
	}
	return s.RequestStatus()
}

// Resume sends cycle start and leaves Hold
func (s *Session) Resume() error {
	if err := s.sendRealtime(s.dialect.Realtime.CycleStart, "cycle start"); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateHold {
		s.mu.Unlock()
		return nil
	}
	s.leaveHoldLocked()
	s.dispatchAndUnlock()
	return nil
}

// RequestStatus asks the firmware for a status report
func (s *Session) RequestStatus() error {
	return s.sendRealtime(s.dialect.Realtime.StatusQuery, "status query")
}

// JogCancel aborts a jog in progress
func (s *Session) JogCancel() error {
	return s.sendRealtime(s.dialect.Realtime.JogCancel, "jog cancel")
}

// RequestReset sends a soft reset, fails every pending command and reruns
// the handshake. It is the only way out of Alarm other than unlock or homing.
func (s *Session) RequestReset() error {
	b := s.dialect.Realtime.SoftReset

	s.mu.Lock()
	if !s.state.accepting() || s.transport == nil {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	t := s.transport
	s.flushLocked(fmt.Errorf("%w: flushed by soft reset", ErrSessionClosed))
	s.framer.Reset()
	s.bannerSeen = false
	s.setStateLocked(StateConnecting, nil)
	s.handshakeGen++
	gen := s.handshakeGen
	runCtx := s.runCtx
	s.wg.Add(1)
	s.writeMu.Lock()
	s.mu.Unlock()

	err := t.Write(runCtx, []byte{b})
	s.writeMu.Unlock()
	if err != nil {
		s.wg.Done()
		return s.writeFailed(err)
	}

	s.logger.Info("Soft reset sent", zap.String("port", s.port))
	go func() {
		defer s.wg.Done()
		if err := s.handshake(runCtx, gen); err != nil {
			s.fail(err)
		}
	}()
	return nil
}

// Disconnect tears the session down, fails pending commands with
// SessionClosed and waits for the background tasks to stop.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.used = true
	t := s.teardownLocked(StateDisconnected, nil, nil)
	s.mu.Unlock()

	var err error
	if t != nil {
		if cerr := t.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
	}
	s.wg.Wait()
	s.logger.Info("Link closed", zap.String("port", s.port))
	return err
}

func (s *Session) sendRealtime(b byte, name string) error {
	if b == 0 {
		return fmt.Errorf("%w: dialect %s has no %s byte", ErrInvalidCommand, s.dialect.Name, name)
	}
	s.mu.Lock()
	if !s.state.accepting() {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.Debug("Sending realtime command", zap.String("command", name))
	return s.writeRaw([]byte{b})
}

// writeRaw writes bytes outside the queue, never interleaving with a batch
func (s *Session) writeRaw(data []byte) error {
	s.mu.Lock()
	t := s.transport
	if t == nil {
		err := s.terminalErrLocked()
		s.mu.Unlock()
		return err
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	s.writeMu.Lock()
	err := t.Write(runCtx, data)
	s.writeMu.Unlock()
	if err != nil {
		return s.writeFailed(err)
	}
	return nil
}

func (s *Session) writeFailed(err error) error {
	s.mu.Lock()
	if s.terminalLocked() {
		cerr := s.terminalErrLocked()
		s.mu.Unlock()
		return cerr
	}
	s.mu.Unlock()

	ioErr := fmt.Errorf("%w: write failed: %w", ErrIO, err)
	s.fail(ioErr)
	return ioErr
}

// dispatchAndUnlock sends every command that fits the budget and releases mu.
// Must be called with mu held.
func (s *Session) dispatchAndUnlock() {
	if !s.state.dispatching() || s.transport == nil {
		s.mu.Unlock()
		return
	}
	batch := s.flow.Dispatch(time.Now())
	if len(batch) == 0 {
		s.mu.Unlock()
		return
	}

	size := 0
	for _, pc := range batch {
		size += pc.Len()
	}
	buf := make([]byte, 0, size)
	for _, pc := range batch {
		buf = append(buf, pc.Framed...)
		s.emitLocked(Event{Type: EventCommandSent, Command: pc.info(time.Time{}, nil)})
	}
	t := s.transport
	runCtx := s.runCtx

	s.writeMu.Lock()
	s.mu.Unlock()
	err := t.Write(runCtx, buf)
	s.writeMu.Unlock()

	if err != nil {
		_ = s.writeFailed(err)
	}
}

func (s *Session) readLoop(ctx context.Context, t Transport) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		chunk, err := t.ReadAvailable(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.fail(fmt.Errorf("%w: read failed: %w", ErrIO, err))
			return
		}
		if len(chunk) > 0 {
			s.handleInput(chunk)
		}
	}
}

func (s *Session) handleInput(chunk []byte) {
	s.mu.Lock()
	s.lastActivity = time.Now()

	var closing Transport
	for line, err := range s.framer.Feed(chunk) {
		if err != nil {
			s.logger.Warn("Discarded malformed input", zap.Error(err))
			s.emitLocked(Event{Type: EventFramingError, Err: err})
			continue
		}
		if closing = s.handleLineLocked(line); closing != nil || s.terminalLocked() {
			break
		}
	}

	if closing != nil {
		s.mu.Unlock()
		s.closeTransport(closing)
		return
	}
	s.dispatchAndUnlock()
}

// handleLineLocked applies one response line. It returns the transport to
// close when the line tore the session down.
func (s *Session) handleLineLocked(line string) Transport {
	resp := s.matcher.Classify(line)

	if s.state == StateConnecting {
		if resp.Kind == ResponseWelcome {
			s.bannerSeen = true
			s.emitLocked(Event{Type: EventReport, Response: &resp})
		}
		return nil
	}

	switch resp.Kind {
	case ResponseOK:
		pc, ok := s.flow.Ack()
		if !ok {
			s.logger.Warn("Unsolicited acknowledgement", zap.String("line", line))
			return nil
		}
		// the next command's clock starts once it is the oldest
		s.timerBase = time.Now()
		s.resolveLocked(pc, nil)
		s.updateOccupancyLocked()

	case ResponseError:
		pc, ok := s.flow.Ack()
		if !ok {
			s.logger.Warn("Unsolicited error response", zap.String("line", line))
			return nil
		}
		s.timerBase = time.Now()
		rejected := &RejectedError{Code: resp.Code, Line: line}
		s.resolveLocked(pc, rejected)
		s.logger.Warn("Command rejected",
			zap.Uint64("seq", pc.Seq),
			zap.String("command", pc.Text),
			zap.Int("code", resp.Code),
		)
		if s.cfg.ErrorPolicy == HaltOnError {
			cause := fmt.Errorf("halted after command #%d %q was rejected: %w", pc.Seq, pc.Text, rejected)
			flushErr := fmt.Errorf("%w: flushed after command #%d was rejected", ErrSessionClosed, pc.Seq)
			return s.teardownLocked(StateFailed, cause, flushErr)
		}
		s.updateOccupancyLocked()

	case ResponseAlarm:
		s.emitLocked(Event{Type: EventReport, Response: &resp})
		s.logger.Warn("Controller alarm", zap.Int("code", resp.Code))
		s.setStateLocked(StateAlarm, &AlarmError{Code: resp.Code, Line: line})

	case ResponseStatus:
		s.emitLocked(Event{Type: EventReport, Response: &resp})
		if resp.Status != nil {
			s.status = resp.Status
			s.applyStatusLocked(*resp.Status)
		}

	case ResponseWelcome:
		s.emitLocked(Event{Type: EventReport, Response: &resp})
		s.logger.Warn("Controller restarted unexpectedly", zap.String("banner", line))
		s.flushLocked(fmt.Errorf("%w: controller restarted", ErrSessionClosed))
		s.setStateLocked(StateIdle, nil)

	case ResponseFeedback:
		if pc := s.flow.Oldest(); pc != nil {
			pc.output = append(pc.output, line)
		}
		s.emitLocked(Event{Type: EventReport, Response: &resp})

	default:
		s.emitLocked(Event{Type: EventReport, Response: &resp})
	}
	return nil
}

func (s *Session) applyStatusLocked(st dialect.Status) {
	switch {
	case st.IsAlarm():
		if s.state != StateAlarm {
			s.setStateLocked(StateAlarm, nil)
		}
	case st.IsHold():
		if s.state != StateHold {
			s.setStateLocked(StateHold, nil)
		}
	case s.state == StateHold:
		s.leaveHoldLocked()
	case s.state == StateAlarm:
		s.setStateLocked(StateIdle, nil)
		s.updateOccupancyLocked()
	}
}

func (s *Session) leaveHoldLocked() {
	s.timerBase = time.Now()
	s.setStateLocked(StateIdle, nil)
	s.updateOccupancyLocked()
}

// updateOccupancyLocked moves between Idle and Streaming by queue occupancy
func (s *Session) updateOccupancyLocked() {
	busy := s.flow.Len() > 0
	switch {
	case s.state == StateIdle && busy:
		s.setStateLocked(StateStreaming, nil)
	case s.state == StateStreaming && !busy:
		s.setStateLocked(StateIdle, nil)
	}
}

func (s *Session) resolveLocked(pc *PendingCommand, err error) {
	now := time.Now()
	if pc.handle.resolve(err, pc.output, now) {
		s.emitLocked(Event{Type: EventCommandResolved, Command: pc.info(now, err)})
	}
}

func (s *Session) flushLocked(err error) {
	for _, pc := range s.flow.Drain() {
		s.resolveLocked(pc, err)
	}
	s.updateOccupancyLocked()
}

func (s *Session) setStateLocked(to State, cause error) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Debug("Session state changed", fields...)
	s.emitLocked(Event{Type: EventStateChanged, From: from, To: to, Cause: cause})
}

func (s *Session) terminalLocked() bool {
	return s.state == StateFailed || (s.state == StateDisconnected && s.used)
}

func (s *Session) terminalErrLocked() error {
	if s.state == StateFailed && s.failure != nil {
		return closedError(s.failure)
	}
	return ErrSessionClosed
}

// teardownLocked makes the session terminal and returns the transport for
// the caller to close once mu is released.
func (s *Session) teardownLocked(to State, cause, flushErr error) Transport {
	if s.terminalLocked() && s.eventsClosed {
		return nil
	}
	if flushErr == nil {
		flushErr = closedError(cause)
	}
	s.failure = cause
	for _, pc := range s.flow.Drain() {
		s.resolveLocked(pc, flushErr)
	}
	s.framer.Reset()
	if s.cancel != nil {
		s.cancel()
	}
	s.handshakeGen++
	t := s.transport
	s.transport = nil
	s.setStateLocked(to, cause)

	s.eventsClosed = true
	s.queueMu.Lock()
	s.queueClosed = true
	s.queueMu.Unlock()
	s.wakeDispatcher()
	return t
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	s.logger.Error("Link failed", zap.String("port", s.port), zap.Error(err))
	t := s.teardownLocked(StateFailed, err, nil)
	s.mu.Unlock()
	s.closeTransport(t)
}

func (s *Session) closeTransport(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		s.logger.Warn("Failed to close transport", zap.Error(err))
	}
}

func (s *Session) watchdog(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.AckTimeout / 4
	if interval < 5*time.Millisecond {
		interval = 5 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkAckTimeout(now)
		}
	}
}

func (s *Session) checkAckTimeout(now time.Time) {
	s.mu.Lock()
	if s.state == StateHold || s.state == StateConnecting || s.terminalLocked() {
		s.mu.Unlock()
		return
	}
	pc := s.flow.Oldest()
	if pc == nil {
		s.mu.Unlock()
		return
	}
	limit := s.cfg.AckTimeout
	if pc.Timeout > 0 {
		limit = pc.Timeout
	}
	start := pc.SentAt
	if s.timerBase.After(start) {
		start = s.timerBase
	}
	if now.Sub(start) < limit {
		s.mu.Unlock()
		return
	}

	s.flow.Ack()
	err := fmt.Errorf("%w: command #%d %q unacknowledged after %s", ErrTimeout, pc.Seq, pc.Text, limit)
	s.resolveLocked(pc, err)
	s.logger.Error("Link failed", zap.String("port", s.port), zap.Error(err))
	t := s.teardownLocked(StateFailed, err, nil)
	s.mu.Unlock()
	s.closeTransport(t)
}

func (s *Session) pollStatus(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ready := s.state.dispatching()
			s.mu.Unlock()
			if ready {
				_ = s.writeRaw([]byte{s.dialect.Realtime.StatusQuery})
			}
		}
	}
}

func (s *Session) emitLocked(ev Event) {
	if s.eventsClosed {
		return
	}
	ev.SessionID = s.id
	ev.Time = time.Now()

	s.queueMu.Lock()
	// Lifecycle events are kept unbounded; only reports are shed
	if len(s.queue) >= s.cfg.EventBuffer && ev.sheddable() {
		s.queueMu.Unlock()
		s.droppedEvents++
		if s.droppedEvents == 1 || s.droppedEvents%100 == 0 {
			s.logger.Warn("Event queue full, dropping reports",
				zap.String("type", string(ev.Type)),
				zap.Int("dropped", s.droppedEvents),
			)
		}
		return
	}
	s.queue = append(s.queue, ev)
	s.queueMu.Unlock()
	s.wakeDispatcher()
}

func (s *Session) wakeDispatcher() {
	select {
	case s.queueReady <- struct{}{}:
	default:
	}
}

func (s *Session) dispatchEvents() {
	defer close(s.eventsDone)
	for {
		s.queueMu.Lock()
		batch, closed := s.queue, s.queueClosed
		s.queue = nil
		s.queueMu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-s.queueReady
			continue
		}

		s.handlersMu.RLock()
		handlers := s.handlers
		s.handlersMu.RUnlock()
		for _, ev := range batch {
			for _, h := range handlers {
				s.deliver(h, ev)
			}
		}
	}
}

func (s *Session) deliver(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Event handler panicked", zap.Any("panic", r), zap.String("type", string(ev.Type)))
		}
	}()
	h(ev)
}
