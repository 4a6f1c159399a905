// internal/protocol/factory.go
package protocol

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"

	"go.uber.org/zap"

	"grbl-service/internal/link"
)

var validBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400, 250000, 460800, 921600}

// ParsePort splits a port string into its transport kind and address.
// "tcp://host:port" and "sim://name" select the TCP and simulator
// transports; anything else is a serial device path.
func ParsePort(port string) (Kind, string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		return "", "", fmt.Errorf("port is required")
	}

	switch {
	case strings.HasPrefix(port, "tcp://"):
		address := strings.TrimPrefix(port, "tcp://")
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", "", fmt.Errorf("invalid tcp address %q: %w", address, err)
		}
		return KindTCP, address, nil
	case strings.HasPrefix(port, "sim://"):
		name := strings.TrimPrefix(port, "sim://")
		if name == "" {
			name = "default"
		}
		return KindSim, name, nil
	case strings.Contains(port, "://"):
		return "", "", fmt.Errorf("unsupported port scheme: %s", port)
	default:
		return KindSerial, port, nil
	}
}

// ValidateBaudRate checks the baud rate for transports that use one
func ValidateBaudRate(kind Kind, baud int) error {
	if kind != KindSerial {
		return nil
	}
	if !slices.Contains(validBaudRates, baud) {
		return fmt.Errorf("invalid baud rate: %d", baud)
	}
	return nil
}

// Factory creates and opens connections from port strings
type Factory struct {
	options Options
	logger  *zap.Logger
}

// NewFactory creates a connection factory
func NewFactory(options Options, logger *zap.Logger) *Factory {
	return &Factory{
		options: options,
		logger:  logger.With(zap.String("component", "protocol_factory")),
	}
}

// Create builds an unopened connection for port
func (f *Factory) Create(port string, baud int) (Connection, error) {
	kind, address, err := ParsePort(port)
	if err != nil {
		return nil, err
	}
	if err := ValidateBaudRate(kind, baud); err != nil {
		return nil, err
	}

	switch kind {
	case KindSerial:
		f.logger.Info("Creating serial protocol",
			zap.String("port", address),
			zap.Int("baud_rate", baud),
		)
		return NewSerialConnection(&SerialConfig{
			Port:         address,
			BaudRate:     baud,
			DataBits:     f.options.DataBits,
			StopBits:     f.options.StopBits,
			Parity:       f.options.Parity,
			PollInterval: f.options.PollInterval,
		}, f.logger), nil

	case KindTCP:
		f.logger.Info("Creating TCP protocol", zap.String("address", address))
		return NewTCPConnection(&TCPConfig{
			Address:      address,
			KeepAlive:    true,
			DialTimeout:  f.options.DialTimeout,
			WriteTimeout: f.options.WriteTimeout,
			PollInterval: f.options.PollInterval,
		}, f.logger), nil

	case KindSim:
		f.logger.Info("Creating simulator protocol", zap.String("name", address))
		return NewSimConnection(&SimConfig{
			Name:         address,
			PollInterval: f.options.PollInterval,
		}, f.logger), nil

	default:
		return nil, fmt.Errorf("unsupported protocol type: %s", kind)
	}
}

// Dial creates and opens a connection. It satisfies link.Dialer.
func (f *Factory) Dial(ctx context.Context, port string, baud int) (link.Transport, error) {
	conn, err := f.Create(port, baud)
	if err != nil {
		return nil, err
	}
	if err := conn.Open(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
