// internal/discovery/probe.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"grbl-service/internal/dialect"
	"grbl-service/internal/link"
)

var (
	// ErrNoController means the port opened but no banner was recognised
	ErrNoController = errors.New("no controller answered")
	// ErrUnknownScanner means no scanner is registered under the name
	ErrUnknownScanner = errors.New("unknown scanner")
)

const defaultProbeTimeout = 3 * time.Second

// Prober opens a port, soft-resets whatever listens there and matches the
// start-up banner against the registered dialects
type Prober struct {
	dial     link.Dialer
	registry *dialect.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber creates a prober
func NewProber(dial link.Dialer, registry *dialect.Registry, timeout time.Duration, logger *zap.Logger) *Prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{
		dial:     dial,
		registry: registry,
		timeout:  timeout,
		logger:   logger.With(zap.String("component", "prober")),
	}
}

// Probe identifies the controller on port
func (p *Prober) Probe(ctx context.Context, port string, baud int) (*DiscoveredController, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	dialects := p.registry.List()
	if len(dialects) == 0 {
		return nil, fmt.Errorf("no dialects registered")
	}

	t, err := p.dial(ctx, port, baud)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", port, err)
	}
	defer t.Close()

	if reset := dialects[0].Realtime.SoftReset; reset != 0 {
		if err := t.Write(ctx, []byte{reset}); err != nil {
			return nil, fmt.Errorf("failed to reset %s: %w", port, err)
		}
	}

	framer := link.NewFramer("\n", link.DefaultMaxLineLength)
	for ctx.Err() == nil {
		chunk, err := t.ReadAvailable(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("failed to read %s: %w", port, err)
		}

		for line, ferr := range framer.Feed(chunk) {
			if ferr != nil {
				continue
			}
			if found := identify(line, dialects); found != nil {
				found.Port = port
				found.BaudRate = baud
				p.logger.Info("Controller identified",
					zap.String("port", port),
					zap.String("dialect", found.Dialect),
					zap.String("banner", found.Banner),
				)
				return found, nil
			}
		}
	}

	return nil, fmt.Errorf("%w on %s", ErrNoController, port)
}

// identify matches a banner line. When several dialects accept it, the one
// named by the banner's first word wins, else the first in name order.
func identify(line string, dialects []*dialect.Dialect) *DiscoveredController {
	line = strings.TrimSpace(line)

	var matched []*dialect.Dialect
	for _, d := range dialects {
		if d.IsWelcome(line) {
			matched = append(matched, d)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	best := matched[0]
	for _, d := range matched {
		if bannerNames(line, d.Name) {
			best = d
			break
		}
	}

	names := make([]string, 0, len(matched))
	for _, d := range matched {
		names = append(names, d.Name)
	}

	found := &DiscoveredController{
		Dialect:    best.Name,
		Candidates: names,
		Banner:     line,
	}
	if fields := strings.Fields(line); len(fields) > 1 {
		found.Version = fields[1]
	}
	return found
}

// bannerNames reports whether the first word of the banner is the dialect name
func bannerNames(line, name string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && strings.EqualFold(fields[0], name)
}
