package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletbridge/internal/domain"
)

func TestPipe_RoundTrip(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	msg := []byte(`{"kind":"event","type":"chainChanged"}`)
	require.NoError(t, a.Send(ctx, msg))
	msg[0] = 'X' // Send must copy

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"event","type":"chainChanged"}`, string(got))

	require.NoError(t, b.Send(ctx, []byte(`{}`)))
	got, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))
}

func TestPipe_CloseDrainsThenFails(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte(`1`)))
	require.NoError(t, a.Close())

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
	assert.ErrorIs(t, b.Send(ctx, []byte(`2`)), domain.ErrTransportClosed)
	assert.ErrorIs(t, a.Send(ctx, []byte(`2`)), domain.ErrTransportClosed)
	assert.NoError(t, a.Close())
}

func TestPipe_ContextCancel(t *testing.T) {
	a, _ := Pipe(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, a.Send(ctx, []byte(`{}`)), context.DeadlineExceeded)
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestNative_Framing(t *testing.T) {
	var out bytes.Buffer
	n := NewNative(strings.NewReader(""), &out, nil)

	require.NoError(t, n.Send(context.Background(), []byte(`{"a":1}`)))
	want := append([]byte{7, 0, 0, 0}, `{"a":1}`...)
	assert.Equal(t, want, out.Bytes())
}

func TestNative_ReadFrames(t *testing.T) {
	var in bytes.Buffer
	for _, m := range []string{`{"kind":"request"}`, `"x"`} {
		in.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(m))))
		in.WriteString(m)
	}
	closed := false
	n := NewNative(&in, io.Discard, closerFunc(func() error { closed = true; return nil }))
	ctx := context.Background()

	got, err := n.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"request"}`, string(got))

	got, err = n.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(got))

	_, err = n.Receive(ctx)
	assert.ErrorIs(t, err, domain.ErrTransportClosed)

	require.NoError(t, n.Close())
	assert.True(t, closed)
	assert.ErrorIs(t, n.Send(ctx, []byte(`{}`)), domain.ErrTransportClosed)
}

func TestNative_RejectsBadFrames(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"too large", binary.LittleEndian.AppendUint32(nil, MaxNativeMessageSize+1), domain.ErrMessageLimit},
		{"empty frame", []byte{0, 0, 0, 0}, domain.ErrTransport},
		{"short body", append(binary.LittleEndian.AppendUint32(nil, 10), `{}`...), domain.ErrTransport},
		{"short header", []byte{1, 0}, domain.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNative(bytes.NewReader(tt.in), io.Discard, nil)
			_, err := n.Receive(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}

	n := NewNative(strings.NewReader(""), io.Discard, nil)
	err := n.Send(context.Background(), make([]byte, MaxNativeMessageSize+1))
	assert.ErrorIs(t, err, domain.ErrMessageLimit)
}

func startTestServer(t *testing.T, onConnect ConnectFunc, opts ...ServerOption) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", onConnect, slog.Default(), opts...)
	srv.RegisterHTTPRoute("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.Start(ctx); err != nil {
			t.Errorf("server start: %v", err)
		}
	}()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not bind")
	}
	return srv
}

func TestWebSocket_EchoThroughServer(t *testing.T) {
	srv := startTestServer(t, func(ctx context.Context, _ uint64, _ string, ws *WebSocket) {
		for {
			data, err := ws.Receive(ctx)
			if err != nil {
				return
			}
			if err := ws.Send(ctx, data); err != nil {
				return
			}
		}
	}, WithToken("secret"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, fmt.Sprintf("ws://%s/ws?token=secret", srv.BoundAddr()), slog.Default())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(ctx, []byte(`{"kind":"event","type":"accountChanged","payload":"acc"}`)))
	got, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"event","type":"accountChanged","payload":"acc"}`, string(got))

	assert.ErrorIs(t, client.Send(ctx, []byte(`not json`)), domain.ErrInvalidInput)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.BoundAddr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	srv := startTestServer(t, func(context.Context, uint64, string, *WebSocket) {}, WithToken("secret"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, fmt.Sprintf("ws://%s/ws?token=wrong", srv.BoundAddr()), slog.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestWebSocket_ServerCloseEndsClient(t *testing.T) {
	srv := startTestServer(t, func(context.Context, uint64, string, *WebSocket) {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.BoundAddr()), slog.Default())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Receive(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransportClosed) || errors.Is(err, domain.ErrTransport))
}

func TestServerMiddlewareWrapsRoutes(t *testing.T) {
	tag := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Bridge", "walletd")
			next.ServeHTTP(w, r)
		})
	}
	srv := startTestServer(t, func(context.Context, uint64, string, *WebSocket) {}, WithMiddleware(tag))

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.BoundAddr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "walletd", resp.Header.Get("X-Bridge"))
}
