package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"walletbridge/internal/domain"
)

// MaxNativeMessageSize is the largest frame Chrome accepts from a native host.
const MaxNativeMessageSize = 1024 * 1024

// Native speaks Chrome native messaging: each message is JSON prefixed with
// its length as a 4-byte little-endian integer.
type Native struct {
	r io.Reader
	w io.Writer
	c io.Closer

	writeMu   sync.Mutex
	readMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ domain.Transport = (*Native)(nil)

// NewNative frames messages over r and w. closer may be nil.
func NewNative(r io.Reader, w io.Writer, closer io.Closer) *Native {
	return &Native{r: r, w: w, c: closer, done: make(chan struct{})}
}

// Send writes one frame. Frames over MaxNativeMessageSize are rejected.
func (n *Native) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > MaxNativeMessageSize {
		return fmt.Errorf("native send: %w: %d bytes (max %d)", domain.ErrMessageLimit, len(data), MaxNativeMessageSize)
	}
	select {
	case <-n.done:
		return fmt.Errorf("native send: %w", domain.ErrTransportClosed)
	default:
	}

	frame := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(data)), uint32(len(data)))
	frame = append(frame, data...)

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	if _, err := n.w.Write(frame); err != nil {
		return fmt.Errorf("native send: %w: %w", domain.ErrTransport, err)
	}
	return nil
}

// Receive reads one frame. The read is not interruptible by ctx once
// started; Close unblocks it only when the underlying reader does.
func (n *Native) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.readMu.Lock()
	defer n.readMu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(n.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("native receive: %w", domain.ErrTransportClosed)
		}
		return nil, fmt.Errorf("native receive: %w: %w", domain.ErrTransport, err)
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length == 0 {
		return nil, fmt.Errorf("native receive: %w: empty frame", domain.ErrTransport)
	}
	if length > MaxNativeMessageSize {
		return nil, fmt.Errorf("native receive: %w: %d bytes (max %d)", domain.ErrMessageLimit, length, MaxNativeMessageSize)
	}

	msg := make([]byte, length)
	if _, err := io.ReadFull(n.r, msg); err != nil {
		return nil, fmt.Errorf("native receive: %w: %w", domain.ErrTransport, err)
	}
	return msg, nil
}

// Close closes the underlying closer, if any.
func (n *Native) Close() error {
	var err error
	n.closeOnce.Do(func() {
		close(n.done)
		if n.c != nil {
			err = n.c.Close()
		}
	})
	return err
}
