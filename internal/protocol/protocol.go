// internal/protocol/protocol.go
package protocol

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"grbl-service/internal/link"
)

// Kind identifies a transport implementation
type Kind string

const (
	KindSerial Kind = "serial"
	KindTCP    Kind = "tcp"
	KindSim    Kind = "sim"
)

// Connection is a link transport with an explicit lifecycle
type Connection interface {
	link.Transport

	// Connection lifecycle
	Open(ctx context.Context) error
	IsOpen() bool

	// Protocol information
	Kind() Kind
	Address() string

	// Health and diagnostics
	Stats() Stats
}

// Stats provides transport-level statistics
type Stats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// Info describes a live connection for diagnostics
type Info struct {
	Kind    Kind   `json:"kind"`
	Address string `json:"address"`
	Stats   Stats  `json:"stats"`
}

// Describe reports the diagnostics of t when it is a Connection
func Describe(t link.Transport) (*Info, bool) {
	conn, ok := t.(Connection)
	if !ok {
		return nil, false
	}
	return &Info{Kind: conn.Kind(), Address: conn.Address(), Stats: conn.Stats()}, true
}

// counters are updated from the read loop and writers without a lock
type counters struct {
	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	operations   atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Time
	latency      atomic.Duration
	connected    atomic.Bool
}

func (c *counters) wrote(n int, took time.Duration) {
	c.bytesWritten.Add(int64(n))
	c.operations.Inc()
	c.lastActivity.Store(time.Now())

	// Running average
	if prev := c.latency.Load(); prev == 0 {
		c.latency.Store(took)
	} else {
		c.latency.Store((prev + took) / 2)
	}
}

func (c *counters) read(n int) {
	if n == 0 {
		return
	}
	c.bytesRead.Add(int64(n))
	c.operations.Inc()
	c.lastActivity.Store(time.Now())
}

func (c *counters) failed() {
	c.errors.Inc()
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesWritten:   c.bytesWritten.Load(),
		BytesRead:      c.bytesRead.Load(),
		OperationCount: c.operations.Load(),
		ErrorCount:     c.errors.Load(),
		LastActivity:   c.lastActivity.Load(),
		AverageLatency: c.latency.Load(),
		IsConnected:    c.connected.Load(),
	}
}
