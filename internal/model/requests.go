// internal/model/requests.go
package model

// ConnectRequest opens a new session
type ConnectRequest struct {
	Port     string `json:"port" binding:"required"`
	BaudRate int    `json:"baud_rate"`
	Dialect  string `json:"dialect"`
}

// SubmitRequest queues one line command
type SubmitRequest struct {
	Command string `json:"command" binding:"required"`
	Wait    bool   `json:"wait"`
}

// JogRequest issues a relative jog
type JogRequest struct {
	DX   float64 `json:"dx"`
	DY   float64 `json:"dy"`
	Feed float64 `json:"feed" binding:"required,gt=0"`
	Wait bool    `json:"wait"`
}

// MoveRequest issues an absolute linear move
type MoveRequest struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Feed float64 `json:"feed" binding:"required,gt=0"`
	Wait bool    `json:"wait"`
}

// WaitRequest is the optional body of the home and unlock endpoints
type WaitRequest struct {
	Wait bool `json:"wait"`
}

// CommandResponse is returned for every queued command
type CommandResponse struct {
	ID       string        `json:"id"`
	Command  string        `json:"command"`
	Status   CommandStatus `json:"status"`
	Output   []string      `json:"output,omitempty"`
	Resolved bool          `json:"resolved"`
}

// PortInfo describes a serial port found on the host
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}
