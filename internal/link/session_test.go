package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grbl-service/internal/dialect"
)

type fakeTransport struct {
	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	resets   int
	closes   int

	incoming chan []byte
	broken   chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming: make(chan []byte, 64),
		broken:   make(chan struct{}),
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written.Write(data)
	return nil
}

func (f *fakeTransport) ReadAvailable(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.incoming:
		return b, nil
	case <-f.broken:
		return nil, errors.New("device unplugged")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeTransport) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) reply(lines ...string) {
	f.incoming <- []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func (f *fakeTransport) unplug() {
	f.once.Do(func() { close(f.broken) })
}

func (f *fakeTransport) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.String()
}

func (f *fakeTransport) clearSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written.Reset()
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Type == EventStateChanged {
			out = append(out, ev.To)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		AckTimeout:  5 * time.Second,
		ErrorPolicy: HaltOnError,
	}
}

func connect(t *testing.T, cfg Config) (*Session, *fakeTransport, *recorder) {
	t.Helper()
	d := dialect.Grbl11.Clone()
	require.NoError(t, d.Compile())

	ft := newFakeTransport()
	dial := func(ctx context.Context, port string, baud int) (Transport, error) {
		return ft, nil
	}
	s := NewSession(cfg, d, dial, zap.NewNop())
	rec := &recorder{}
	s.OnEvent(rec.handle)

	require.NoError(t, s.Connect(context.Background(), "/dev/ttyUSB0", 115200))
	require.Equal(t, StateIdle, s.State())
	ft.clearSent()
	t.Cleanup(func() { _ = s.Disconnect() })
	return s, ft, rec
}

func waitResolved(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "command %q never resolved", h.Text)
	return err
}

func TestConnectRunsHandshake(t *testing.T) {
	d := dialect.Grbl11.Clone()
	require.NoError(t, d.Compile())

	ft := newFakeTransport()
	var gotPort string
	var gotBaud int
	dial := func(ctx context.Context, port string, baud int) (Transport, error) {
		gotPort, gotBaud = port, baud
		return ft, nil
	}
	s := NewSession(testConfig(), d, dial, zap.NewNop())
	require.NoError(t, s.Connect(context.Background(), "/dev/ttyACM0", 115200))
	defer s.Disconnect()

	assert.Equal(t, "/dev/ttyACM0", gotPort)
	assert.Equal(t, 115200, gotBaud)
	assert.Equal(t, "\r\n\r\n", ft.sent())
	assert.Equal(t, 1, ft.resets)
	assert.Equal(t, StateIdle, s.State())
}

func TestConnectFailure(t *testing.T) {
	d := dialect.Grbl11.Clone()
	require.NoError(t, d.Compile())

	dial := func(ctx context.Context, port string, baud int) (Transport, error) {
		return nil, errors.New("no such file or directory")
	}
	s := NewSession(testConfig(), d, dial, zap.NewNop())
	err := s.Connect(context.Background(), "/dev/ttyUSB9", 115200)
	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateFailed, s.State())

	_, err = s.Submit("G90")
	assert.ErrorIs(t, err, ErrSessionClosed)

	err = s.Connect(context.Background(), "/dev/ttyUSB9", 115200)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestConnectRequiresBanner(t *testing.T) {
	d := dialect.Grbl11.Clone()
	require.NoError(t, d.Compile())

	ft := newFakeTransport()
	dial := func(ctx context.Context, port string, baud int) (Transport, error) { return ft, nil }
	cfg := testConfig()
	cfg.RequireBanner = true
	cfg.SettleTime = 20 * time.Millisecond

	s := NewSession(cfg, d, dial, zap.NewNop())
	err := s.Connect(context.Background(), "/dev/ttyUSB0", 115200)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, 1, ft.closeCount())

	ft2 := newFakeTransport()
	ft2.reply("Grbl 1.1h ['$' for help]")
	dial2 := func(ctx context.Context, port string, baud int) (Transport, error) { return ft2, nil }
	s2 := NewSession(cfg, d, dial2, zap.NewNop())
	require.NoError(t, s2.Connect(context.Background(), "/dev/ttyUSB0", 115200))
	assert.Equal(t, StateIdle, s2.State())
	require.NoError(t, s2.Disconnect())
}

func TestFlowControlScenario(t *testing.T) {
	cfg := testConfig()
	cfg.RxBufferSize = 32
	s, ft, _ := connect(t, cfg)

	h1, err := s.Submit("G90")
	require.NoError(t, err)
	h2, err := s.Submit("G1 X10 Y0 F1000")
	require.NoError(t, err)
	h3, err := s.Submit("G1 X10 Y10 F1000")
	require.NoError(t, err)

	assert.Equal(t, "G90\nG1 X10 Y0 F1000\n", ft.sent())
	snap := s.Snapshot()
	assert.Equal(t, 20, snap.Outstanding)
	assert.Equal(t, 1, snap.Waiting)
	assert.Equal(t, StateStreaming, snap.State)

	ft.reply("ok")
	require.NoError(t, waitResolved(t, h1))
	// 16 outstanding + 17 would overflow the 32 byte buffer
	assert.False(t, h3.Resolved())
	assert.Equal(t, "G90\nG1 X10 Y0 F1000\n", ft.sent())

	ft.reply("ok")
	require.NoError(t, waitResolved(t, h2))
	require.Eventually(t, func() bool {
		return ft.sent() == "G90\nG1 X10 Y0 F1000\nG1 X10 Y10 F1000\n"
	}, time.Second, 5*time.Millisecond)

	ft.reply("ok")
	require.NoError(t, waitResolved(t, h3))

	assert.True(t, h1.ResolvedAt().Before(h2.ResolvedAt()) || h1.ResolvedAt().Equal(h2.ResolvedAt()))
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Snapshot().Outstanding)
}

func TestFIFOResolutionAcrossChunks(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	var handles []*Handle
	for _, cmd := range []string{"G0 X1", "G0 X2", "G0 X3", "G0 X4", "G0 X5"} {
		h, err := s.Submit(cmd)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	// Acknowledgements split across arbitrary chunk boundaries
	ft.incoming <- []byte("o")
	ft.incoming <- []byte("k\r\nok\r")
	ft.incoming <- []byte("\nok\r\nok")
	ft.incoming <- []byte("\r\nok\r\n")

	var last time.Time
	for _, h := range handles {
		require.NoError(t, waitResolved(t, h))
		assert.False(t, h.ResolvedAt().Before(last))
		last = h.ResolvedAt()
	}
}

func TestHaltOnErrorFlushesQueue(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	h1, err := s.Submit("G90")
	require.NoError(t, err)
	h2, err := s.Submit("G1 X10 Y0 F1000")
	require.NoError(t, err)
	h3, err := s.Submit("G1 X10 Y10 F1000")
	require.NoError(t, err)

	ft.reply("ok", "error:9")

	require.NoError(t, waitResolved(t, h1))

	err = waitResolved(t, h2)
	require.ErrorIs(t, err, ErrControllerRejected)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 9, rejected.Code)

	err = waitResolved(t, h3)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NotErrorIs(t, err, ErrControllerRejected)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Failure(), ErrControllerRejected)
	assert.Eventually(t, func() bool { return ft.closeCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSkipAndContinue(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorPolicy = SkipAndContinue
	s, ft, _ := connect(t, cfg)

	h1, _ := s.Submit("G90")
	h2, _ := s.Submit("G5 X1")
	h3, _ := s.Submit("G0 X0")

	ft.reply("ok", "error:20", "ok")

	require.NoError(t, waitResolved(t, h1))
	assert.ErrorIs(t, waitResolved(t, h2), ErrControllerRejected)
	require.NoError(t, waitResolved(t, h3))
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestRealtimeBypassesQueue(t *testing.T) {
	cfg := testConfig()
	cfg.RxBufferSize = 20
	s, ft, _ := connect(t, cfg)

	_, err := s.Submit("G1 X10 Y0 F1000")
	require.NoError(t, err)
	_, err = s.Submit("G1 X20 Y0 F1000")
	require.NoError(t, err)
	_, err = s.Submit("G1 X30 Y0 F1000")
	require.NoError(t, err)

	before := s.Snapshot()
	require.NoError(t, s.RequestHold())
	after := s.Snapshot()

	assert.Equal(t, "G1 X10 Y0 F1000\n!?", ft.sent())
	assert.Equal(t, before.Outstanding, after.Outstanding)
	assert.Equal(t, before.Waiting, after.Waiting)
	assert.Equal(t, before.InFlight, after.InFlight)
}

func TestHoldAndResume(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	s, ft, rec := connect(t, cfg)

	h, err := s.Submit("G1 X100 F100")
	require.NoError(t, err)

	require.NoError(t, s.RequestHold())
	ft.reply("<Hold:0|MPos:5.000,0.000,0.000|FS:0,0>")
	require.Eventually(t, func() bool { return s.State() == StateHold }, time.Second, 5*time.Millisecond)

	// The acknowledgement clock is suspended while held
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, StateHold, s.State())
	assert.False(t, h.Resolved())

	require.NoError(t, s.Resume())
	assert.Equal(t, StateStreaming, s.State())
	assert.True(t, strings.HasSuffix(ft.sent(), "~"))

	ft.reply("ok")
	require.NoError(t, waitResolved(t, h))
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.states(), StateHold)
}

func TestStatusLeavingHold(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	ft.reply("<Hold:1|MPos:0.000,0.000,0.000|FS:0,0>")
	require.Eventually(t, func() bool { return s.State() == StateHold }, time.Second, 5*time.Millisecond)

	ft.reply("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.NotNil(t, s.Snapshot().Status)
	assert.Equal(t, "Idle", s.Snapshot().Status.State)
}

func TestAlarmAndReset(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	h, err := s.Submit("G1 X500 F1000")
	require.NoError(t, err)

	ft.reply("ALARM:1")
	require.Eventually(t, func() bool { return s.State() == StateAlarm }, time.Second, 5*time.Millisecond)
	assert.False(t, h.Resolved())

	require.NoError(t, s.RequestReset())
	err = waitResolved(t, h)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Contains(t, ft.sent(), "\x18")

	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)

	h2, err := s.Submit("G90")
	require.NoError(t, err)
	ft.reply("ok")
	require.NoError(t, waitResolved(t, h2))
}

func TestUnlockLeavesAlarm(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	ft.reply("ALARM:2")
	require.Eventually(t, func() bool { return s.State() == StateAlarm }, time.Second, 5*time.Millisecond)

	h, err := s.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "$X\n", ft.sent())
	ft.reply("[MSG:Caution: Unlocked]", "ok", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>")

	require.NoError(t, waitResolved(t, h))
	assert.Equal(t, []string{"[MSG:Caution: Unlocked]"}, h.Output())
	require.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestUnexpectedBannerFlushesPending(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	h1, _ := s.Submit("G0 X1")
	h2, _ := s.Submit("G0 X2")

	ft.reply("Grbl 1.1h ['$' for help]")

	assert.ErrorIs(t, waitResolved(t, h1), ErrSessionClosed)
	assert.ErrorIs(t, waitResolved(t, h2), ErrSessionClosed)
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestDisconnectResolvesEveryPendingCommand(t *testing.T) {
	cfg := testConfig()
	cfg.RxBufferSize = 16
	s, ft, rec := connect(t, cfg)

	const n = 10
	handles := make([]*Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := s.Submit("G0 X1")
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, s.Disconnect())

	closed := 0
	for _, h := range handles {
		require.True(t, h.Resolved())
		if errors.Is(h.Err(), ErrSessionClosed) {
			closed++
		}
	}
	assert.Equal(t, n, closed)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 1, ft.closeCount())

	<-s.Done()
	states := rec.states()
	require.NotEmpty(t, states)
	assert.Equal(t, StateDisconnected, states[len(states)-1])

	_, err := s.Submit("G0")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.RequestHold(), ErrSessionClosed)
	assert.NoError(t, s.Disconnect())
}

func TestAckTimeoutFailsSession(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	s, _, _ := connect(t, cfg)

	h1, _ := s.Submit("G4 P10")
	h2, _ := s.Submit("G0 X0")

	assert.ErrorIs(t, waitResolved(t, h1), ErrTimeout)
	err := waitResolved(t, h2)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, s.State())
}

func TestReadErrorFailsSession(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	h, _ := s.Submit("G0 X1")
	ft.unplug()

	err := waitResolved(t, h)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, err, ErrIO)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Failure(), ErrIO)
}

func TestWriteErrorFailsSession(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	ft.mu.Lock()
	ft.writeErr = errors.New("broken pipe")
	ft.mu.Unlock()

	h, err := s.Submit("G0 X1")
	require.NoError(t, err)
	assert.ErrorIs(t, waitResolved(t, h), ErrIO)
	assert.Equal(t, StateFailed, s.State())
}

func TestSubmitValidation(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	tests := []string{
		"",
		"   ",
		"G0\nG1",
		"G0 X1 ! now",
		"G0 ?",
		"G0\x18",
		strings.Repeat("G", 200),
	}
	for _, cmd := range tests {
		_, err := s.Submit(cmd)
		assert.ErrorIs(t, err, ErrInvalidCommand, "command %q", cmd)
	}
	assert.Empty(t, ft.sent())
	assert.Equal(t, StateIdle, s.State())
}

func TestJogAndMoveFormatting(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	_, err := s.Jog(0, 1, 1000)
	require.NoError(t, err)
	_, err = s.MoveAbsolute(10, 0, 1000)
	require.NoError(t, err)
	_, err = s.Home()
	require.NoError(t, err)

	assert.Equal(t, "$J=G91 X0 Y1 F1000\nG90 G1 X10 Y0 F1000\n$H\n", ft.sent())

	_, err = s.Jog(0, 0, 0)
	require.NoError(t, err)
}

func TestJogCancelAndStatusQuery(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	require.NoError(t, s.JogCancel())
	require.NoError(t, s.RequestStatus())
	assert.Equal(t, "\x85?", ft.sent())
}

func TestFeedbackAttachedToOldestCommand(t *testing.T) {
	s, ft, rec := connect(t, testConfig())

	h, err := s.Submit("$G")
	require.NoError(t, err)
	ft.reply("[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]", "ok")

	require.NoError(t, waitResolved(t, h))
	assert.Equal(t, []string{"[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]"}, h.Output())

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, ev := range rec.events {
			if ev.Type == EventCommandResolved && ev.Command.Seq == h.Seq {
				return len(ev.Command.Output) == 1
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestUnsolicitedAckIgnored(t *testing.T) {
	s, ft, _ := connect(t, testConfig())

	ft.reply("ok", "error:1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateIdle, s.State())

	h, _ := s.Submit("G90")
	ft.reply("ok")
	require.NoError(t, waitResolved(t, h))
}

func TestEventHandlerPanicIsContained(t *testing.T) {
	d := dialect.Grbl11.Clone()
	require.NoError(t, d.Compile())
	ft := newFakeTransport()
	s := NewSession(testConfig(), d, func(ctx context.Context, port string, baud int) (Transport, error) {
		return ft, nil
	}, zap.NewNop())

	rec := &recorder{}
	s.OnEvent(func(Event) { panic("boom") })
	s.OnEvent(rec.handle)

	require.NoError(t, s.Connect(context.Background(), "/dev/ttyUSB0", 115200))
	require.NoError(t, s.Disconnect())
	<-s.Done()

	assert.Equal(t, []State{StateConnecting, StateIdle, StateDisconnected}, rec.states())
}

func TestHomeOutlivesAckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 30 * time.Millisecond
	s, ft, _ := connect(t, cfg)

	home, err := s.Home()
	require.NoError(t, err)
	next, err := s.Submit("G0 X5")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())
	assert.False(t, home.Resolved())

	ft.reply("ok")
	require.NoError(t, waitResolved(t, home))

	// the follower's clock starts when it becomes the oldest
	time.Sleep(10 * time.Millisecond)
	assert.False(t, next.Resolved())
	ft.reply("ok")
	require.NoError(t, waitResolved(t, next))
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestLaggingObserverKeepsLifecycleEvents(t *testing.T) {
	d := dialect.Grbl11.Clone()
	require.NoError(t, d.Compile())
	ft := newFakeTransport()
	cfg := testConfig()
	cfg.EventBuffer = 2
	s := NewSession(cfg, d, func(ctx context.Context, port string, baud int) (Transport, error) {
		return ft, nil
	}, zap.NewNop())

	release := make(chan struct{})
	s.OnEvent(func(Event) { <-release })
	rec := &recorder{}
	s.OnEvent(rec.handle)

	require.NoError(t, s.Connect(context.Background(), "/dev/ttyUSB0", 115200))

	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := s.Submit(fmt.Sprintf("G0 X%d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for i := 0; i < 20; i++ {
		ft.reply("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	}
	for range handles {
		ft.reply("ok")
	}
	for _, h := range handles {
		require.NoError(t, waitResolved(t, h))
	}
	assert.Positive(t, s.Snapshot().DroppedEvents)

	close(release)
	require.NoError(t, s.Disconnect())
	<-s.Done()

	rec.mu.Lock()
	resolved := 0
	for _, ev := range rec.events {
		if ev.Type == EventCommandResolved {
			resolved++
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, len(handles), resolved)
	states := rec.states()
	require.NotEmpty(t, states)
	assert.Equal(t, StateConnecting, states[0])
	assert.Equal(t, StateDisconnected, states[len(states)-1])
}
