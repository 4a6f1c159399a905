// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"grbl-service/internal/discovery"
	"grbl-service/internal/model"
)

// PortLister enumerates the serial ports of the host
type PortLister func() ([]*enumerator.PortDetails, error)

// Config for serial scanner
type Config struct {
	BaudRates    []int    `json:"baud_rates"`
	PortPatterns []string `json:"port_patterns"`
}

// Scanner probes local serial ports for controllers
type Scanner struct {
	prober *discovery.Prober
	ports  PortLister
	config *Config
	logger *zap.Logger
}

// NewScanner creates a new serial scanner. A nil lister uses the host
// enumerator.
func NewScanner(prober *discovery.Prober, ports PortLister, config *Config, logger *zap.Logger) *Scanner {
	if ports == nil {
		ports = enumerator.GetDetailedPortsList
	}
	if config == nil {
		config = &Config{}
	}
	if len(config.BaudRates) == 0 {
		config.BaudRates = []int{115200}
	}

	return &Scanner{
		prober: prober,
		ports:  ports,
		config: config,
		logger: logger.With(zap.String("scanner", "serial")),
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan probes every matching port at each configured baud rate until one
// answers
func (s *Scanner) Scan(ctx context.Context, skip discovery.SkipFunc) ([]*discovery.DiscoveredController, error) {
	details, err := s.ports()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}

	var found []*discovery.DiscoveredController
	for _, d := range details {
		if !s.matches(d.Name) || (skip != nil && skip(d.Name)) {
			continue
		}

		for _, baud := range s.config.BaudRates {
			controller, err := s.prober.Probe(ctx, d.Name, baud)
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			if err != nil {
				if !errors.Is(err, discovery.ErrNoController) {
					s.logger.Debug("Port probe failed", zap.String("port", d.Name), zap.Error(err))
					break
				}
				continue
			}

			controller.Transport = "serial"
			if d.IsUSB {
				controller.USB = &model.PortInfo{
					Name:         d.Name,
					IsUSB:        true,
					VID:          d.VID,
					PID:          d.PID,
					SerialNumber: d.SerialNumber,
					Product:      d.Product,
				}
			}
			found = append(found, controller)
			break
		}
	}

	s.logger.Info("Serial scan completed", zap.Int("controllers_found", len(found)))
	return found, nil
}

// matches applies the port name patterns; no patterns accepts every port
func (s *Scanner) matches(name string) bool {
	if len(s.config.PortPatterns) == 0 {
		return true
	}
	for _, pattern := range s.config.PortPatterns {
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}
