// internal/link/state.go
package link

// State is the lifecycle state of a session
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateIdle         State = "IDLE"
	StateStreaming    State = "STREAMING"
	StateHold         State = "HOLD"
	StateAlarm        State = "ALARM"
	StateFailed       State = "FAILED"
)

func (s State) String() string {
	return string(s)
}

// accepting reports whether commands may be queued in this state
func (s State) accepting() bool {
	switch s {
	case StateConnecting, StateIdle, StateStreaming, StateHold, StateAlarm:
		return true
	default:
		return false
	}
}

// dispatching reports whether queued commands may be written in this state
func (s State) dispatching() bool {
	switch s {
	case StateIdle, StateStreaming, StateHold, StateAlarm:
		return true
	default:
		return false
	}
}
