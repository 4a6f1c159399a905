// internal/link/matcher.go
package link

import (
	"strings"

	"grbl-service/internal/dialect"
)

// ResponseKind classifies a line received from the firmware
type ResponseKind int

const (
	// ResponseReport is any asynchronous line that does not consume a command
	ResponseReport ResponseKind = iota
	// ResponseOK acknowledges the oldest in-flight command
	ResponseOK
	// ResponseError rejects the oldest in-flight command
	ResponseError
	// ResponseAlarm reports an alarm condition
	ResponseAlarm
	// ResponseStatus is a realtime status report
	ResponseStatus
	// ResponseWelcome is the firmware start-up banner
	ResponseWelcome
	// ResponseFeedback is a bracketed message or settings line answering a command
	ResponseFeedback
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseOK:
		return "ok"
	case ResponseError:
		return "error"
	case ResponseAlarm:
		return "alarm"
	case ResponseStatus:
		return "status"
	case ResponseWelcome:
		return "welcome"
	case ResponseFeedback:
		return "feedback"
	default:
		return "report"
	}
}

// Response is a classified firmware line
type Response struct {
	Kind   ResponseKind
	Code   int
	Line   string
	Status *dialect.Status
}

// Matcher classifies lines using a dialect's response patterns
type Matcher struct {
	dialect *dialect.Dialect
}

// NewMatcher creates a matcher for d
func NewMatcher(d *dialect.Dialect) *Matcher {
	return &Matcher{dialect: d}
}

// Classify returns the response kind of line
func (m *Matcher) Classify(line string) Response {
	d := m.dialect
	resp := Response{Kind: ResponseReport, Line: line}

	switch {
	case d.IsOK(line):
		resp.Kind = ResponseOK
	case d.IsStatus(line):
		resp.Kind = ResponseStatus
		if status, err := dialect.ParseStatus(line); err == nil {
			resp.Status = &status
		}
	case d.IsWelcome(line):
		resp.Kind = ResponseWelcome
	default:
		if code, ok := d.ErrorCode(line); ok {
			resp.Kind = ResponseError
			resp.Code = code
		} else if code, ok := d.AlarmCode(line); ok {
			resp.Kind = ResponseAlarm
			resp.Code = code
		} else if strings.HasPrefix(line, "[") || strings.HasPrefix(line, "$") {
			resp.Kind = ResponseFeedback
		}
	}
	return resp
}
