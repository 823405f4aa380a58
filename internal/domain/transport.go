package domain

import "context"

// Transport is a bidirectional, at-least-once, unordered message channel
// between two contexts. Messages are opaque JSON documents.
type Transport interface {
	// Send transmits one message.
	Send(ctx context.Context, data []byte) error
	// Receive blocks until a message arrives. It returns an error wrapping
	// ErrTransportClosed once the channel is closed.
	Receive(ctx context.Context) ([]byte, error)
	// Close releases the channel. Idempotent.
	Close() error
}
