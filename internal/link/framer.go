// internal/link/framer.go
package link

import (
	"bytes"
	"fmt"
	"iter"
)

// DefaultMaxLineLength bounds a single response line
const DefaultMaxLineLength = 256

// Framer splits the incoming byte stream into response lines and frames outgoing commands
type Framer struct {
	terminator []byte
	maxLine    int
	buf        []byte
	discarding bool
}

// NewFramer creates a framer for the given terminator. Incoming lines are
// always split on '\n'; a trailing '\r' is stripped.
func NewFramer(terminator string, maxLine int) *Framer {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineLength
	}
	return &Framer{
		terminator: []byte(terminator),
		maxLine:    maxLine,
	}
}

// Frame appends the protocol terminator to a command
func (f *Framer) Frame(command string) []byte {
	out := make([]byte, 0, len(command)+len(f.terminator))
	out = append(out, command...)
	return append(out, f.terminator...)
}

// Buffered returns the number of bytes held for an incomplete line
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any buffered partial line
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}

// Feed appends data and yields each complete line. Overlong lines yield an
// ErrFraming error and are dropped up to the next newline. Stopping the
// iteration early leaves the remaining lines buffered for the next call.
func (f *Framer) Feed(data []byte) iter.Seq2[string, error] {
	f.buf = append(f.buf, data...)

	return func(yield func(string, error) bool) {
		for {
			idx := bytes.IndexByte(f.buf, '\n')
			if idx < 0 {
				if !f.discarding && len(f.buf) > f.maxLine {
					// No terminator in sight; resynchronise at the next one
					size := len(f.buf)
					f.buf = f.buf[:0]
					f.discarding = true
					yield("", fmt.Errorf("%w: line exceeds %d bytes (%d buffered)", ErrFraming, f.maxLine, size))
					return
				}
				if f.discarding {
					f.buf = f.buf[:0]
				}
				return
			}

			raw := f.buf[:idx]
			f.buf = f.buf[idx+1:]

			if f.discarding {
				f.discarding = false
				continue
			}

			line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
			if len(line) > f.maxLine {
				if !yield("", fmt.Errorf("%w: line exceeds %d bytes (%d received)", ErrFraming, f.maxLine, len(line))) {
					return
				}
				continue
			}
			if line == "" {
				continue
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}
