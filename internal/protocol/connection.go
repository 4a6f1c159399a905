// internal/protocol/connection.go
package protocol

import "time"

// SerialConfig represents serial connection configuration
type SerialConfig struct {
	Port         string        `json:"port"`
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	StopBits     int           `json:"stop_bits"`
	Parity       string        `json:"parity"`
	PollInterval time.Duration `json:"poll_interval"`
}

// TCPConfig represents a TCP serial bridge (grblHAL telnet, ESP32 bridges)
type TCPConfig struct {
	Address      string        `json:"address"`
	KeepAlive    bool          `json:"keep_alive"`
	BufferSize   int           `json:"buffer_size"`
	DialTimeout  time.Duration `json:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	PollInterval time.Duration `json:"poll_interval"`
}

// SimConfig configures the in-process controller simulator
type SimConfig struct {
	Name         string        `json:"name"`
	RxBufferSize int           `json:"rx_buffer_size"`
	Banner       string        `json:"banner"`
	StartInAlarm bool          `json:"start_in_alarm"`
	PollInterval time.Duration `json:"poll_interval"`
}

// Options are the defaults applied to every connection opened by a Dialer
type Options struct {
	DataBits     int
	StopBits     int
	Parity       string
	PollInterval time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns 8N1 with a 50ms poll interval
func DefaultOptions() Options {
	return Options{
		DataBits:     8,
		StopBits:     1,
		Parity:       "none",
		PollInterval: 50 * time.Millisecond,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
