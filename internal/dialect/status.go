// internal/dialect/status.go
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a machine or work coordinate triple in millimetres
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Status is a parsed realtime status report, e.g. <Idle|MPos:0.000,0.000,0.000|FS:0,0>
type Status struct {
	State       string    `json:"state"`
	SubState    string    `json:"sub_state,omitempty"`
	MPos        *Position `json:"mpos,omitempty"`
	WPos        *Position `json:"wpos,omitempty"`
	WCO         *Position `json:"wco,omitempty"`
	Feed        float64   `json:"feed"`
	Spindle     float64   `json:"spindle"`
	PlannerFree int       `json:"planner_free"`
	RxFree      int       `json:"rx_free"`
	HasBuffer   bool      `json:"has_buffer"`
	Raw         string    `json:"raw"`
}

// IsHold reports whether motion is paused by a feed hold or safety door
func (s Status) IsHold() bool {
	return s.State == "Hold" || s.State == "Door"
}

// IsAlarm reports whether the controller is locked in alarm
func (s Status) IsAlarm() bool {
	return s.State == "Alarm"
}

// IsIdle reports whether the controller is idle
func (s Status) IsIdle() bool {
	return s.State == "Idle"
}

// ParseStatus parses a GRBL 1.1 style status report
func ParseStatus(line string) (Status, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return Status{}, fmt.Errorf("not a status report: %q", line)
	}

	status := Status{Raw: line}
	parts := strings.Split(strings.Trim(line, "<>"), "|")
	if parts[0] == "" {
		return Status{}, fmt.Errorf("status report without machine state: %q", line)
	}

	state, sub, _ := strings.Cut(parts[0], ":")
	status.State = state
	status.SubState = sub

	for _, part := range parts[1:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}

		switch strings.ToLower(key) {
		case "mpos":
			pos, err := parsePosition(value)
			if err != nil {
				return Status{}, fmt.Errorf("invalid MPos: %w", err)
			}
			status.MPos = pos
		case "wpos":
			pos, err := parsePosition(value)
			if err != nil {
				return Status{}, fmt.Errorf("invalid WPos: %w", err)
			}
			status.WPos = pos
		case "wco":
			pos, err := parsePosition(value)
			if err != nil {
				return Status{}, fmt.Errorf("invalid WCO: %w", err)
			}
			status.WCO = pos
		case "fs":
			values, err := parseFloats(value)
			if err != nil || len(values) < 2 {
				return Status{}, fmt.Errorf("invalid FS field: %q", value)
			}
			status.Feed, status.Spindle = values[0], values[1]
		case "f":
			values, err := parseFloats(value)
			if err != nil || len(values) < 1 {
				return Status{}, fmt.Errorf("invalid F field: %q", value)
			}
			status.Feed = values[0]
		case "bf":
			values, err := parseFloats(value)
			if err != nil || len(values) < 2 {
				return Status{}, fmt.Errorf("invalid Bf field: %q", value)
			}
			status.PlannerFree, status.RxFree = int(values[0]), int(values[1])
			status.HasBuffer = true
		}
	}

	// Derive the missing coordinate frame when the offset is known
	if status.WCO != nil {
		if status.MPos != nil && status.WPos == nil {
			status.WPos = &Position{X: status.MPos.X - status.WCO.X, Y: status.MPos.Y - status.WCO.Y, Z: status.MPos.Z - status.WCO.Z}
		} else if status.WPos != nil && status.MPos == nil {
			status.MPos = &Position{X: status.WPos.X + status.WCO.X, Y: status.WPos.Y + status.WCO.Y, Z: status.WPos.Z + status.WCO.Z}
		}
	}

	return status, nil
}

func parsePosition(value string) (*Position, error) {
	values, err := parseFloats(value)
	if err != nil {
		return nil, err
	}
	if len(values) < 2 {
		return nil, fmt.Errorf("expected at least 2 axes, got %d", len(values))
	}
	pos := &Position{X: values[0], Y: values[1]}
	if len(values) > 2 {
		pos.Z = values[2]
	}
	return pos, nil
}

func parseFloats(value string) ([]float64, error) {
	fields := strings.Split(value, ",")
	values := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
