// internal/link/flow.go
package link

import (
	"time"

	"github.com/google/uuid"
)

// PendingCommand is a submitted line command awaiting acknowledgement
type PendingCommand struct {
	ID         uuid.UUID
	Seq        uint64
	Text       string
	Framed     []byte
	EnqueuedAt time.Time
	SentAt     time.Time
	// Timeout overrides the session ack timeout when positive
	Timeout time.Duration

	output []string
	handle *Handle
}

// Len returns the number of receive-buffer bytes the command occupies
func (pc *PendingCommand) Len() int {
	return len(pc.Framed)
}

// FlowController implements character-counting flow control against the
// controller's receive buffer. It is not safe for concurrent use; the
// session serialises access.
type FlowController struct {
	max         int
	outstanding int
	waiting     []*PendingCommand
	inFlight    []*PendingCommand
}

// NewFlowController creates a flow controller for a receive buffer of max bytes
func NewFlowController(max int) *FlowController {
	return &FlowController{max: max}
}

// Max returns the receive-buffer budget
func (f *FlowController) Max() int { return f.max }

// Outstanding returns the bytes sent but not yet acknowledged
func (f *FlowController) Outstanding() int { return f.outstanding }

// Waiting returns the number of commands not yet sent
func (f *FlowController) Waiting() int { return len(f.waiting) }

// InFlight returns the number of commands sent but not yet acknowledged
func (f *FlowController) InFlight() int { return len(f.inFlight) }

// Len returns the total number of unresolved commands
func (f *FlowController) Len() int { return len(f.waiting) + len(f.inFlight) }

// Enqueue appends a command to the waiting queue
func (f *FlowController) Enqueue(pc *PendingCommand) {
	f.waiting = append(f.waiting, pc)
}

// Dispatch moves waiting commands into flight, in order, while they fit the budget.
// A head that does not fit blocks everything behind it.
func (f *FlowController) Dispatch(now time.Time) []*PendingCommand {
	var batch []*PendingCommand
	for len(f.waiting) > 0 {
		head := f.waiting[0]
		if f.outstanding+head.Len() > f.max {
			break
		}
		f.waiting[0] = nil
		f.waiting = f.waiting[1:]

		head.SentAt = now
		f.outstanding += head.Len()
		f.inFlight = append(f.inFlight, head)
		batch = append(batch, head)
	}
	return batch
}

// Ack resolves the oldest in-flight command and releases its bytes
func (f *FlowController) Ack() (*PendingCommand, bool) {
	if len(f.inFlight) == 0 {
		return nil, false
	}
	head := f.inFlight[0]
	f.inFlight[0] = nil
	f.inFlight = f.inFlight[1:]
	f.outstanding -= head.Len()
	return head, true
}

// Oldest returns the oldest in-flight command without removing it
func (f *FlowController) Oldest() *PendingCommand {
	if len(f.inFlight) == 0 {
		return nil
	}
	return f.inFlight[0]
}

// Drain removes every unresolved command, in-flight first, in submission order
func (f *FlowController) Drain() []*PendingCommand {
	all := make([]*PendingCommand, 0, f.Len())
	all = append(all, f.inFlight...)
	all = append(all, f.waiting...)
	f.inFlight = nil
	f.waiting = nil
	f.outstanding = 0
	return all
}
