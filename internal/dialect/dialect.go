// internal/dialect/dialect.go
package dialect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrInvalidArgument is returned when a motion parameter cannot be rendered
var ErrInvalidArgument = errors.New("invalid argument")

// Dialect describes the command vocabulary of one firmware family
type Dialect struct {
	Name         string           `yaml:"name" json:"name"`
	Extends      string           `yaml:"extends,omitempty" json:"extends,omitempty"`
	Description  string           `yaml:"description" json:"description"`
	Terminator   string           `yaml:"terminator" json:"terminator"`
	WakeUp       string           `yaml:"wake_up" json:"wake_up"`
	RxBufferSize int              `yaml:"rx_buffer_size" json:"rx_buffer_size"`
	Precision    int32            `yaml:"precision" json:"precision"`
	Commands     CommandTemplates `yaml:"commands" json:"commands"`
	Realtime     RealtimeBytes    `yaml:"realtime" json:"realtime"`
	Responses    ResponsePatterns `yaml:"responses" json:"responses"`

	okRe      *regexp.Regexp
	errorRe   *regexp.Regexp
	alarmRe   *regexp.Regexp
	welcomeRe *regexp.Regexp
	statusRe  *regexp.Regexp
}

// CommandTemplates holds the line commands issued by the convenience operations.
// Jog understands {dx} {dy} {feed}; MoveAbsolute understands {x} {y} {feed}.
// The firmware acknowledges Home only once the cycle finishes, so HomeTimeout
// replaces the session's ack timeout for it when positive.
type CommandTemplates struct {
	Home         string        `yaml:"home" json:"home"`
	HomeTimeout  time.Duration `yaml:"home_timeout" json:"home_timeout,omitempty"`
	Unlock       string        `yaml:"unlock" json:"unlock"`
	Jog          string        `yaml:"jog" json:"jog"`
	MoveAbsolute string        `yaml:"move_absolute" json:"move_absolute"`
}

// RealtimeBytes holds the single-byte commands sent outside the line protocol
type RealtimeBytes struct {
	FeedHold    byte `yaml:"feed_hold" json:"feed_hold"`
	CycleStart  byte `yaml:"cycle_start" json:"cycle_start"`
	SoftReset   byte `yaml:"soft_reset" json:"soft_reset"`
	StatusQuery byte `yaml:"status_query" json:"status_query"`
	JogCancel   byte `yaml:"jog_cancel" json:"jog_cancel"`
}

// ResponsePatterns holds the regular expressions used to classify firmware lines.
// Error and Alarm must capture the numeric code in their first group.
type ResponsePatterns struct {
	OK      string `yaml:"ok" json:"ok"`
	Error   string `yaml:"error" json:"error"`
	Alarm   string `yaml:"alarm" json:"alarm"`
	Welcome string `yaml:"welcome" json:"welcome"`
	Status  string `yaml:"status" json:"status"`
}

// Compile validates the dialect and prepares its response patterns
func (d *Dialect) Compile() error {
	if d.Name == "" {
		return fmt.Errorf("dialect name is required")
	}
	if d.Terminator == "" {
		return fmt.Errorf("dialect %s: terminator is required", d.Name)
	}
	if d.RxBufferSize <= 0 {
		return fmt.Errorf("dialect %s: rx_buffer_size must be positive", d.Name)
	}
	if d.Realtime.SoftReset == 0 {
		return fmt.Errorf("dialect %s: realtime.soft_reset is required", d.Name)
	}
	if d.Precision <= 0 {
		d.Precision = 4
	}
	if d.Commands.HomeTimeout < 0 {
		return fmt.Errorf("dialect %s: commands.home_timeout must not be negative", d.Name)
	}

	var err error
	if d.okRe, err = compilePattern(d.Name, "ok", d.Responses.OK, false); err != nil {
		return err
	}
	if d.errorRe, err = compilePattern(d.Name, "error", d.Responses.Error, true); err != nil {
		return err
	}
	if d.alarmRe, err = compilePattern(d.Name, "alarm", d.Responses.Alarm, true); err != nil {
		return err
	}
	if d.welcomeRe, err = compilePattern(d.Name, "welcome", d.Responses.Welcome, false); err != nil {
		return err
	}
	if d.statusRe, err = compilePattern(d.Name, "status", d.Responses.Status, false); err != nil {
		return err
	}
	return nil
}

func compilePattern(name, field, pattern string, needsGroup bool) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("dialect %s: responses.%s is required", name, field)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("dialect %s: invalid responses.%s pattern: %w", name, field, err)
	}
	if needsGroup && re.NumSubexp() < 1 {
		return nil, fmt.Errorf("dialect %s: responses.%s must capture the code", name, field)
	}
	return re, nil
}

// Clone returns a deep copy of the dialect; compiled patterns are shared since they are immutable
func (d *Dialect) Clone() *Dialect {
	c := *d
	return &c
}

// IsOK reports whether line acknowledges a command
func (d *Dialect) IsOK(line string) bool {
	return d.okRe.MatchString(line)
}

// ErrorCode extracts the rejection code from an error line
func (d *Dialect) ErrorCode(line string) (int, bool) {
	return matchCode(d.errorRe, line)
}

// AlarmCode extracts the alarm code from an alarm line
func (d *Dialect) AlarmCode(line string) (int, bool) {
	return matchCode(d.alarmRe, line)
}

// IsWelcome reports whether line is the firmware start-up banner
func (d *Dialect) IsWelcome(line string) bool {
	return d.welcomeRe.MatchString(line)
}

// IsStatus reports whether line is a realtime status report
func (d *Dialect) IsStatus(line string) bool {
	return d.statusRe.MatchString(line)
}

func matchCode(re *regexp.Regexp, line string) (int, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		// Non-numeric codes (grblHAL text errors) still count as a match
		return -1, true
	}
	return code, true
}

// IsRealtime reports whether b is one of the dialect's realtime bytes
func (d *Dialect) IsRealtime(b byte) bool {
	rt := d.Realtime
	if b == 0 {
		return false
	}
	return b == rt.FeedHold || b == rt.CycleStart || b == rt.SoftReset ||
		b == rt.StatusQuery || b == rt.JogCancel
}

// AckTimeout returns the acknowledgement timeout specific to command, or zero
// when the session default applies
func (d *Dialect) AckTimeout(command string) time.Duration {
	if d.Commands.Home != "" && strings.EqualFold(strings.TrimSpace(command), d.Commands.Home) {
		return d.Commands.HomeTimeout
	}
	return 0
}

// FormatJog renders a relative jog command
func (d *Dialect) FormatJog(dx, dy, feed float64) (string, error) {
	if d.Commands.Jog == "" {
		return "", fmt.Errorf("dialect %s does not support jogging", d.Name)
	}
	return d.expand(d.Commands.Jog, map[string]float64{"dx": dx, "dy": dy, "feed": feed})
}

// FormatMoveAbsolute renders an absolute positioning command
func (d *Dialect) FormatMoveAbsolute(x, y, feed float64) (string, error) {
	if d.Commands.MoveAbsolute == "" {
		return "", fmt.Errorf("dialect %s does not support absolute moves", d.Name)
	}
	return d.expand(d.Commands.MoveAbsolute, map[string]float64{"x": x, "y": y, "feed": feed})
}

func (d *Dialect) expand(template string, values map[string]float64) (string, error) {
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		text, err := d.FormatNumber(value)
		if err != nil {
			return "", fmt.Errorf("%s: %w", key, err)
		}
		pairs = append(pairs, "{"+key+"}", text)
	}
	return strings.NewReplacer(pairs...).Replace(template), nil
}

// FormatNumber renders v in its shortest exact decimal form, rounded to the dialect precision
func (d *Dialect) FormatNumber(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("%w: %v is not a finite number", ErrInvalidArgument, v)
	}
	precision := d.Precision
	if precision <= 0 {
		precision = 4
	}
	return decimal.NewFromFloat(v).Round(precision).String(), nil
}

// Load decodes a dialect from YAML. A document with `extends` starts from that base dialect.
func Load(r io.Reader, base func(name string) (*Dialect, error)) (*Dialect, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read dialect: %w", err)
	}

	var header struct {
		Extends string `yaml:"extends"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode dialect: %w", err)
	}

	d := &Dialect{}
	if header.Extends != "" {
		if base == nil {
			return nil, fmt.Errorf("dialect extends %q but no base lookup was given", header.Extends)
		}
		parent, err := base(header.Extends)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve base dialect: %w", err)
		}
		d = parent.Clone()
		d.Name = ""
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("failed to decode dialect: %w", err)
	}

	if err := d.Compile(); err != nil {
		return nil, err
	}
	return d, nil
}
