// internal/discovery/tcp/scanner.go
package tcp

import (
	"context"

	"go.uber.org/zap"

	"grbl-service/internal/discovery"
)

// Scanner probes configured telnet bridges, as grblHAL boards with
// networking expose
type Scanner struct {
	prober    *discovery.Prober
	addresses []string
	logger    *zap.Logger
}

// NewScanner creates a new TCP scanner for host:port addresses
func NewScanner(prober *discovery.Prober, addresses []string, logger *zap.Logger) *Scanner {
	return &Scanner{
		prober:    prober,
		addresses: addresses,
		logger:    logger.With(zap.String("scanner", "tcp")),
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether any address is configured
func (s *Scanner) IsAvailable() bool {
	return len(s.addresses) > 0
}

// Scan probes each address once
func (s *Scanner) Scan(ctx context.Context, skip discovery.SkipFunc) ([]*discovery.DiscoveredController, error) {
	var found []*discovery.DiscoveredController

	for _, address := range s.addresses {
		port := "tcp://" + address
		if skip != nil && skip(port) {
			continue
		}

		controller, err := s.prober.Probe(ctx, port, 0)
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		if err != nil {
			s.logger.Debug("Address probe failed", zap.String("address", address), zap.Error(err))
			continue
		}
		controller.Transport = "tcp"
		found = append(found, controller)
	}

	s.logger.Info("TCP scan completed", zap.Int("controllers_found", len(found)))
	return found, nil
}
