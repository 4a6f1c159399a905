// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const readChunkSize = 256

// SerialConnection implements Connection for serial ports
type SerialConnection struct {
	config *SerialConfig
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
	stats  counters
}

// NewSerialConnection creates a new serial connection
func NewSerialConnection(config *SerialConfig, logger *zap.Logger) *SerialConnection {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultOptions().PollInterval
	}
	return &SerialConnection{
		config: config,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
	}
}

// Open opens the serial port
func (sc *SerialConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}

	sc.logger.Info("Opening serial port",
		zap.String("port", sc.config.Port),
		zap.Int("baud_rate", sc.config.BaudRate),
	)

	mode, err := serialMode(sc.config)
	if err != nil {
		return err
	}

	port, err := serial.Open(sc.config.Port, mode)
	if err != nil {
		sc.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(sc.config.PollInterval); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	sc.port = port
	sc.isOpen = true
	sc.stats.connected.Store(true)
	sc.stats.lastActivity.Store(time.Now())

	sc.logger.Info("Serial port opened successfully")
	return nil
}

func serialMode(config *SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch config.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", config.StopBits)
	}

	switch config.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	case "mark":
		mode.Parity = serial.MarkParity
	case "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity: %q", config.Parity)
	}
	return mode, nil
}

// Close closes the serial port
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil
	}

	err := sc.port.Close()
	sc.port = nil
	sc.isOpen = false
	sc.stats.connected.Store(false)

	if err != nil {
		sc.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	sc.logger.Info("Serial port closed successfully")
	return nil
}

// IsOpen returns whether the connection is open
func (sc *SerialConnection) IsOpen() bool {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.isOpen && sc.port != nil
}

// Write writes data to the serial port
func (sc *SerialConnection) Write(ctx context.Context, data []byte) error {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()

	if !sc.isOpen || sc.port == nil {
		return fmt.Errorf("serial port not open")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	startTime := time.Now()
	written := 0
	for written < len(data) {
		n, err := sc.port.Write(data[written:])
		if err != nil {
			sc.stats.failed()
			sc.logger.Error("Serial write failed", zap.Error(err))
			return fmt.Errorf("failed to write to serial port: %w", err)
		}
		if n == 0 {
			sc.stats.failed()
			return fmt.Errorf("incomplete write: wrote %d of %d bytes", written, len(data))
		}
		written += n
	}

	sc.stats.wrote(len(data), time.Since(startTime))
	sc.logger.Debug("Serial write completed", zap.Int("bytes", len(data)))
	return nil
}

// ReadAvailable returns the bytes received within one read timeout
func (sc *SerialConnection) ReadAvailable(ctx context.Context) ([]byte, error) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()

	if !sc.isOpen || sc.port == nil {
		return nil, fmt.Errorf("serial port not open")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buffer := make([]byte, readChunkSize)
	n, err := sc.port.Read(buffer)
	if err != nil && err != io.EOF {
		sc.stats.failed()
		return nil, fmt.Errorf("failed to read from serial port: %w", err)
	}

	sc.stats.read(n)
	return buffer[:n], nil
}

// ResetInputBuffer discards bytes received but not yet read
func (sc *SerialConnection) ResetInputBuffer() error {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()

	if !sc.isOpen || sc.port == nil {
		return fmt.Errorf("serial port not open")
	}
	if err := sc.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}

// Kind returns the transport kind
func (sc *SerialConnection) Kind() Kind {
	return KindSerial
}

// Address returns the device path
func (sc *SerialConnection) Address() string {
	return sc.config.Port
}

// Stats returns transport statistics
func (sc *SerialConnection) Stats() Stats {
	return sc.stats.snapshot()
}
