// Package transport provides the channels wallet contexts exchange messages
// over: an in-process pipe, a WebSocket connection and Chrome native
// messaging on stdio.
package transport

import (
	"context"
	"fmt"
	"sync"

	"walletbridge/internal/domain"
)

// Memory is one end of an in-process pipe.
type Memory struct {
	inbox     chan []byte
	peer      *Memory
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Transport = (*Memory)(nil)

// Pipe returns two connected in-memory transports. buffer is the number of
// messages each side queues before Send blocks.
func Pipe(buffer int) (*Memory, *Memory) {
	a := &Memory{inbox: make(chan []byte, buffer), done: make(chan struct{})}
	b := &Memory{inbox: make(chan []byte, buffer), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// Send copies data into the peer's inbox.
func (m *Memory) Send(ctx context.Context, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-m.done:
		return fmt.Errorf("memory send: %w", domain.ErrTransportClosed)
	case <-m.peer.done:
		return fmt.Errorf("memory send: peer: %w", domain.ErrTransportClosed)
	default:
	}

	select {
	case m.peer.inbox <- msg:
		return nil
	case <-m.done:
		return fmt.Errorf("memory send: %w", domain.ErrTransportClosed)
	case <-m.peer.done:
		return fmt.Errorf("memory send: peer: %w", domain.ErrTransportClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message from the peer. Messages already queued
// are still delivered after the peer closes.
func (m *Memory) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-m.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-m.inbox:
		return msg, nil
	case <-m.done:
		return nil, fmt.Errorf("memory receive: %w", domain.ErrTransportClosed)
	case <-m.peer.done:
		select {
		case msg := <-m.inbox:
			return msg, nil
		default:
		}
		return nil, fmt.Errorf("memory receive: peer: %w", domain.ErrTransportClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this end. The peer observes ErrTransportClosed.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
