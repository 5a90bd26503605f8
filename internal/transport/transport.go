// internal/transport/transport.go
package transport

import (
	"context"
)

// Transport is a byte-oriented duplex channel to a validator device. The
// session loop is written against this interface only; the real serial link
// and the mock device both implement it.
type Transport interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Data communication
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context, maxBytes int) ([]byte, error)
}
