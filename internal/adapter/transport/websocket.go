package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"walletbridge/internal/domain"
)

const (
	wsQueueSize    = 64
	wsWriteTimeout = 5 * time.Second
)

// WebSocket carries protocol messages over one WebSocket connection.
// Reads and writes run in their own goroutines so Send never waits on a
// slow reader and Receive never waits on a slow writer.
type WebSocket struct {
	ws     *websocket.Conn
	logger *slog.Logger

	sendCh chan []byte
	recvCh chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

var _ domain.Transport = (*WebSocket)(nil)

// NewWebSocket starts the read and write loops on ws.
func NewWebSocket(ws *websocket.Conn, logger *slog.Logger) *WebSocket {
	ws.SetReadLimit(MaxNativeMessageSize)
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocket{
		ws:     ws,
		logger: logger,
		sendCh: make(chan []byte, wsQueueSize),
		recvCh: make(chan []byte, wsQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.readLoop()
	go t.writeLoop()
	return t
}

// Dial connects to a walletd WebSocket endpoint.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*WebSocket, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w: %w", domain.ErrTransport, err)
	}
	return NewWebSocket(ws, logger), nil
}

func (t *WebSocket) readLoop() {
	for {
		typ, data, err := t.ws.Read(t.ctx)
		if err != nil {
			t.fail(err)
			return
		}
		if typ != websocket.MessageText {
			t.logger.Debug("websocket: ignored binary message", "bytes", len(data))
			continue
		}
		select {
		case t.recvCh <- data:
		case <-t.done:
			return
		}
	}
}

func (t *WebSocket) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case data := <-t.sendCh:
			ctx, cancel := context.WithTimeout(t.ctx, wsWriteTimeout)
			err := wsjson.Write(ctx, t.ws, json.RawMessage(data))
			cancel()
			if err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *WebSocket) fail(err error) {
	t.errMu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.errMu.Unlock()
	status := websocket.CloseStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
		t.logger.Warn("websocket: connection failed", "error", err)
	}
	_ = t.Close()
}

func (t *WebSocket) closedErr(op string) error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err != nil && websocket.CloseStatus(t.err) == -1 && !errors.Is(t.err, context.Canceled) {
		return fmt.Errorf("websocket %s: %w: %w", op, domain.ErrTransport, t.err)
	}
	return fmt.Errorf("websocket %s: %w", op, domain.ErrTransportClosed)
}

// Send queues data for the write loop.
func (t *WebSocket) Send(ctx context.Context, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("websocket send: %w: payload is not JSON", domain.ErrInvalidInput)
	}
	select {
	case <-t.done:
		return t.closedErr("send")
	default:
	}
	select {
	case t.sendCh <- data:
		return nil
	case <-t.done:
		return t.closedErr("send")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next text message.
func (t *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.recvCh:
		return data, nil
	case <-t.done:
		return nil, t.closedErr("receive")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the connection is gone.
func (t *WebSocket) Done() <-chan struct{} { return t.done }

// Close tears the connection down. Idempotent.
func (t *WebSocket) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.cancel()
		_ = t.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}
