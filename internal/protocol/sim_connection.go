// internal/protocol/sim_connection.go
package protocol

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSimBanner is the start-up line of the simulated controller
const DefaultSimBanner = "Grbl 1.1h ['$' for help]"

// GRBL 1.1 error codes answered by the simulator
const (
	simErrExpectedLetter   = 1
	simErrBadNumber        = 2
	simErrInvalidStatement = 3
	simErrAlarmLock        = 9
	simErrLineOverflow     = 11
	simErrUnsupported      = 20
	simErrUndefinedFeed    = 22
)

// SimConnection implements Connection with an in-process GRBL 1.1
// controller. Motion completes instantly; lines received during a feed hold
// stay in the receive buffer until cycle start.
type SimConnection struct {
	config *SimConfig
	logger *zap.Logger
	mutex  sync.Mutex
	isOpen bool
	stats  counters

	out    []byte
	notify chan struct{}
	done   chan struct{}

	line      []byte
	queued    []string
	held      bool
	alarm     bool
	relative  bool
	pos       [3]float64
	feed      float64
	settings  map[int]string
	history   []string
	overflows int
}

// NewSimConnection creates a simulator connection
func NewSimConnection(config *SimConfig, logger *zap.Logger) *SimConnection {
	if config.RxBufferSize <= 0 {
		config.RxBufferSize = 128
	}
	if config.Banner == "" {
		config.Banner = DefaultSimBanner
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultOptions().PollInterval
	}
	return &SimConnection{
		config: config,
		logger: logger.With(
			zap.String("protocol", "sim"),
			zap.String("name", config.Name),
		),
		notify: make(chan struct{}, 1),
		settings: map[int]string{
			0:   "10",
			1:   "25",
			22:  "0",
			110: "500.000",
			111: "500.000",
			112: "500.000",
			130: "200.000",
			131: "200.000",
			132: "200.000",
		},
	}
}

// Open powers up the simulated controller, which prints its banner
func (sc *SimConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}

	sc.isOpen = true
	sc.done = make(chan struct{})
	sc.alarm = sc.config.StartInAlarm
	sc.stats.connected.Store(true)
	sc.stats.lastActivity.Store(time.Now())
	sc.bootLocked()

	sc.logger.Info("Simulator started", zap.Int("rx_buffer_size", sc.config.RxBufferSize))
	return nil
}

// Close stops the simulator
func (sc *SimConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen {
		return nil
	}
	sc.isOpen = false
	sc.out = nil
	close(sc.done)
	sc.stats.connected.Store(false)

	sc.logger.Info("Simulator stopped")
	return nil
}

// IsOpen returns whether the simulator is running
func (sc *SimConnection) IsOpen() bool {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.isOpen
}

// Write feeds bytes to the simulated controller
func (sc *SimConnection) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen {
		return fmt.Errorf("simulator not running")
	}

	startTime := time.Now()
	for _, b := range data {
		sc.receiveLocked(b)
	}
	sc.stats.wrote(len(data), time.Since(startTime))
	sc.signal()
	return nil
}

// ReadAvailable returns pending controller output, waiting up to one poll interval
func (sc *SimConnection) ReadAvailable(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(sc.config.PollInterval)
	defer timer.Stop()

	for {
		sc.mutex.Lock()
		if !sc.isOpen {
			sc.mutex.Unlock()
			return nil, fmt.Errorf("simulator not running")
		}
		if len(sc.out) > 0 {
			chunk := sc.out
			sc.out = nil
			sc.mutex.Unlock()
			sc.stats.read(len(chunk))
			return chunk, nil
		}
		done := sc.done
		sc.mutex.Unlock()

		select {
		case <-sc.notify:
		case <-done:
			return nil, fmt.Errorf("simulator not running")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		}
	}
}

// ResetInputBuffer discards controller output not yet read
func (sc *SimConnection) ResetInputBuffer() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	sc.out = nil
	return nil
}

// Kind returns the transport kind
func (sc *SimConnection) Kind() Kind {
	return KindSim
}

// Address returns the simulator name
func (sc *SimConnection) Address() string {
	return "sim://" + sc.config.Name
}

// Stats returns transport statistics
func (sc *SimConnection) Stats() Stats {
	return sc.stats.snapshot()
}

// TriggerAlarm raises an alarm as a limit switch would
func (sc *SimConnection) TriggerAlarm(code int) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	sc.alarm = true
	sc.held = false
	sc.queued = nil
	sc.emitLocked(fmt.Sprintf("ALARM:%d", code))
	sc.signal()
}

// Restart reboots the controller without a request, as a brown-out would
func (sc *SimConnection) Restart() {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	sc.resetLocked()
	sc.signal()
}

// Position returns the machine position
func (sc *SimConnection) Position() (x, y, z float64) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.pos[0], sc.pos[1], sc.pos[2]
}

// History returns every line the controller executed
func (sc *SimConnection) History() []string {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return append([]string(nil), sc.history...)
}

// Overflows returns how many bytes were dropped because the receive buffer was full
func (sc *SimConnection) Overflows() int {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	return sc.overflows
}

func (sc *SimConnection) signal() {
	select {
	case sc.notify <- struct{}{}:
	default:
	}
}

func (sc *SimConnection) bootLocked() {
	sc.out = append(sc.out, "\r\n"...)
	sc.emitLocked(sc.config.Banner)
	if sc.alarm {
		sc.emitLocked("[MSG:'$H'|'$X' to unlock]")
	}
}

func (sc *SimConnection) resetLocked() {
	sc.line = sc.line[:0]
	sc.queued = nil
	sc.held = false
	sc.relative = false
	sc.bootLocked()
}

func (sc *SimConnection) emitLocked(line string) {
	sc.out = append(sc.out, line...)
	sc.out = append(sc.out, '\r', '\n')
}

// rxUsedLocked is the receive buffer occupancy: the partial line plus held lines
func (sc *SimConnection) rxUsedLocked() int {
	used := len(sc.line)
	for _, l := range sc.queued {
		used += len(l) + 1
	}
	return used
}

func (sc *SimConnection) receiveLocked(b byte) {
	switch b {
	case '?':
		sc.emitLocked(sc.statusLocked())
		return
	case '!':
		if !sc.alarm {
			sc.held = true
		}
		return
	case '~':
		if sc.held {
			sc.held = false
			queued := sc.queued
			sc.queued = nil
			for _, l := range queued {
				sc.executeLocked(l)
			}
		}
		return
	case 0x18:
		sc.resetLocked()
		return
	case 0x85:
		return
	case '\n', '\r':
		line := string(sc.line)
		sc.line = sc.line[:0]
		if sc.held {
			sc.queued = append(sc.queued, line)
			return
		}
		sc.executeLocked(line)
		return
	}

	if b >= 0x80 {
		return
	}
	if sc.rxUsedLocked() >= sc.config.RxBufferSize {
		sc.overflows++
		return
	}
	sc.line = append(sc.line, b)
}

func (sc *SimConnection) statusLocked() string {
	state := "Idle"
	switch {
	case sc.alarm:
		state = "Alarm"
	case sc.held:
		state = "Hold:0"
	}
	return fmt.Sprintf("<%s|MPos:%s,%s,%s|Bf:15,%d|FS:%s,0>",
		state,
		formatCoord(sc.pos[0]), formatCoord(sc.pos[1]), formatCoord(sc.pos[2]),
		sc.config.RxBufferSize-sc.rxUsedLocked(),
		strconv.FormatFloat(sc.feed, 'f', -1, 64),
	)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func (sc *SimConnection) executeLocked(raw string) {
	line := normalizeLine(raw)
	// Blank lines are acknowledged but not recorded
	if line == "" {
		sc.emitLocked("ok")
		return
	}
	if len(line) > sc.config.RxBufferSize {
		sc.emitLocked(fmt.Sprintf("error:%d", simErrLineOverflow))
		return
	}
	sc.history = append(sc.history, line)

	var code int
	if strings.HasPrefix(line, "$") {
		code = sc.systemCommandLocked(line)
	} else {
		code = sc.gcodeLocked(line)
	}

	if code != 0 {
		sc.emitLocked(fmt.Sprintf("error:%d", code))
		return
	}
	sc.emitLocked("ok")
}

func (sc *SimConnection) systemCommandLocked(line string) int {
	switch {
	case line == "$X":
		if sc.alarm {
			sc.alarm = false
			sc.emitLocked("[MSG:Caution: Unlocked]")
		}
		return 0
	case line == "$H":
		sc.alarm = false
		sc.pos = [3]float64{}
		return 0
	case line == "$$":
		keys := make([]int, 0, len(sc.settings))
		for k := range sc.settings {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		for _, k := range keys {
			sc.emitLocked(fmt.Sprintf("$%d=%s", k, sc.settings[k]))
		}
		return 0
	case line == "$G":
		distance := "G90"
		if sc.relative {
			distance = "G91"
		}
		sc.emitLocked(fmt.Sprintf("[GC:G0 G54 G17 G21 %s G94 M5 M9 T0 F%s S0]",
			distance, strconv.FormatFloat(sc.feed, 'f', -1, 64)))
		return 0
	case line == "$I":
		sc.emitLocked("[VER:1.1h.20190825:]")
		sc.emitLocked(fmt.Sprintf("[OPT:V,15,%d]", sc.config.RxBufferSize))
		return 0
	case strings.HasPrefix(line, "$J="):
		if sc.alarm {
			return simErrAlarmLock
		}
		return sc.jogLocked(line[len("$J="):])
	}

	// $<n>=<value>
	key, value, ok := strings.Cut(line[1:], "=")
	if !ok {
		return simErrInvalidStatement
	}
	n, err := strconv.Atoi(key)
	if err != nil {
		return simErrInvalidStatement
	}
	if _, err := strconv.ParseFloat(value, 64); err != nil {
		return simErrBadNumber
	}
	sc.settings[n] = value
	return 0
}

func (sc *SimConnection) jogLocked(body string) int {
	words, code := parseWords(body)
	if code != 0 {
		return code
	}
	relative := sc.relative
	target := sc.pos
	feed := -1.0
	for _, w := range words {
		switch w.letter {
		case 'G':
			switch w.value {
			case 90:
				relative = false
			case 91:
				relative = true
			case 20, 21, 53:
			default:
				return simErrUnsupported
			}
		case 'X', 'Y', 'Z':
			moveAxis(&target, w, relative)
		case 'F':
			feed = w.value
		default:
			return simErrUnsupported
		}
	}
	if feed <= 0 {
		return simErrUndefinedFeed
	}
	sc.pos = target
	return 0
}

func (sc *SimConnection) gcodeLocked(line string) int {
	if sc.alarm {
		return simErrAlarmLock
	}
	words, code := parseWords(line)
	if code != 0 {
		return code
	}

	relative := sc.relative
	target := sc.pos
	motion := false
	for _, w := range words {
		switch w.letter {
		case 'G':
			switch w.value {
			case 0, 1:
				motion = true
			case 90:
				relative = false
			case 91:
				relative = true
			case 4, 17, 20, 21, 54, 94:
			default:
				return simErrUnsupported
			}
		case 'M':
			switch w.value {
			case 0, 1, 2, 3, 4, 5, 7, 8, 9, 30:
			default:
				return simErrUnsupported
			}
		case 'X', 'Y', 'Z':
			motion = true
			moveAxis(&target, w, relative)
		case 'F':
			sc.feed = w.value
		case 'S', 'T', 'P', 'N':
		default:
			return simErrUnsupported
		}
	}

	sc.relative = relative
	if motion {
		sc.pos = target
	}
	return 0
}

func moveAxis(target *[3]float64, w word, relative bool) {
	axis := int(w.letter - 'X')
	if relative {
		target[axis] += w.value
	} else {
		target[axis] = w.value
	}
}

type word struct {
	letter byte
	value  float64
}

// normalizeLine upper-cases a line and strips whitespace and comments
func normalizeLine(raw string) string {
	var b strings.Builder
	depth := 0
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case depth > 0:
		case c == ';':
			return b.String()
		case c == ' ' || c == '\t':
		case c >= 'a' && c <= 'z':
			b.WriteByte(c - 'a' + 'A')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func parseWords(line string) ([]word, int) {
	var words []word
	for i := 0; i < len(line); {
		letter := line[i]
		if letter < 'A' || letter > 'Z' {
			return nil, simErrExpectedLetter
		}
		i++
		j := i
		for j < len(line) && strings.IndexByte("0123456789.+-", line[j]) >= 0 {
			j++
		}
		if j == i {
			return nil, simErrBadNumber
		}
		value, err := strconv.ParseFloat(line[i:j], 64)
		if err != nil {
			return nil, simErrBadNumber
		}
		words = append(words, word{letter: letter, value: value})
		i = j
	}
	return words, 0
}
