// internal/link/transport.go
package link

import "context"

// Transport is the duplex byte channel to the controller. The session is its
// only user: one read loop calls ReadAvailable, writes are serialised.
type Transport interface {
	// Write sends all of data or fails
	Write(ctx context.Context, data []byte) error
	// ReadAvailable returns whatever bytes arrived, waiting at most one poll
	// interval; an empty chunk with a nil error means nothing arrived
	ReadAvailable(ctx context.Context) ([]byte, error)
	// ResetInputBuffer discards unread input
	ResetInputBuffer() error
	// Close releases the underlying resource; repeated calls are no-ops
	Close() error
}

// Dialer opens a transport bound to port at the given baud rate
type Dialer func(ctx context.Context, port string, baud int) (Transport, error)
