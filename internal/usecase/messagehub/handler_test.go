package messagehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletbridge/internal/domain"
)

// fakeTransport records outgoing messages and lets tests inject incoming ones.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []domain.Envelope
	sentCh  chan domain.Envelope
	inbox   chan []byte
	sendErr error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sentCh: make(chan domain.Envelope, 256),
		inbox:  make(chan []byte, 256),
	}
}

func (f *fakeTransport) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	env := domain.ParseEnvelope(data)
	f.sent = append(f.sent, env)
	f.sentCh <- env
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, domain.ErrTransportClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbox)
	}
	return nil
}

func (f *fakeTransport) next(t *testing.T) domain.Envelope {
	t.Helper()
	select {
	case env := <-f.sentCh:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing message")
		return domain.Envelope{}
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func newTestHandler() (*Handler, *fakeTransport) {
	tr := newFakeTransport()
	return New(tr, slog.Default(), WithName("test")), tr
}

func TestSendMessage_ResolvesWithPayload(t *testing.T) {
	h, tr := newTestHandler()
	ctx := context.Background()

	type reply struct {
		raw json.RawMessage
		err error
	}
	done := make(chan reply, 1)
	go func() {
		raw, err := h.SendMessage(ctx, domain.MessageSignMessage, domain.SignMessagePayload{AccountAddress: "acc", Message: "hi"})
		done <- reply{raw, err}
	}()

	req := tr.next(t)
	require.Equal(t, domain.KindRequest, req.Kind)
	assert.Equal(t, "SignMessage", req.Type)
	assert.NotEmpty(t, req.CorrelationID)
	assert.JSONEq(t, `{"accountAddress":"acc","message":"hi"}`, string(req.Payload))

	h.Dispatch(ctx, mustJSON(t, domain.NewResponse(req.CorrelationID, req.Type, json.RawMessage(`{"0":{"0":"sig"}}`), "")))

	got := <-done
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"0":{"0":"sig"}}`, string(got.raw))
	assert.Equal(t, 0, h.Pending())
}

func TestSendMessage_ErrorResponse(t *testing.T) {
	h, tr := newTestHandler()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.SendMessage(ctx, domain.MessageSendTransaction, nil)
		errCh <- err
	}()

	req := tr.next(t)
	h.Dispatch(ctx, mustJSON(t, domain.NewResponse(req.CorrelationID, "", nil, "insufficient funds")))

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	var re *domain.ResponseError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "insufficient funds", re.Message)
	assert.Equal(t, "SendTransaction", re.Type)
	assert.False(t, domain.IsUserRejection(err))

	// The handler stays usable after a rejection.
	go func() {
		_, err := h.SendMessage(ctx, domain.MessageConnect, nil)
		errCh <- err
	}()
	req = tr.next(t)
	h.Dispatch(ctx, mustJSON(t, domain.NewResponse(req.CorrelationID, req.Type, json.RawMessage(`"acc"`), "")))
	assert.NoError(t, <-errCh)
}

func TestSendMessage_PermutedResponses(t *testing.T) {
	h, tr := newTestHandler()
	ctx := context.Background()
	const n = 50

	type outcome struct {
		want string
		got  string
		err  error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		want := fmt.Sprintf("answer-%d", i)
		go func() {
			raw, err := h.SendMessage(ctx, domain.MessageSignMessage, map[string]string{"message": want})
			var got string
			if err == nil {
				err = json.Unmarshal(raw, &got)
			}
			results <- outcome{want: want, got: got, err: err}
		}()
	}

	reqs := make([]domain.Envelope, 0, n)
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		req := tr.next(t)
		require.False(t, ids[req.CorrelationID], "correlation id reused: %s", req.CorrelationID)
		ids[req.CorrelationID] = true
		reqs = append(reqs, req)
	}

	rand.New(rand.NewSource(42)).Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
	for _, req := range reqs {
		var p map[string]string
		require.NoError(t, json.Unmarshal(req.Payload, &p))
		h.Dispatch(ctx, mustJSON(t, domain.NewResponse(req.CorrelationID, req.Type, mustJSON(t, p["message"]), "")))
	}

	for i := 0; i < n; i++ {
		o := <-results
		require.NoError(t, o.err)
		assert.Equal(t, o.want, o.got)
	}
	assert.Equal(t, 0, h.Pending())
}

func TestSendMessage_ContextCancelRemovesPending(t *testing.T) {
	h, tr := newTestHandler()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := h.SendMessage(ctx, domain.MessageConnect, nil)
		errCh <- err
	}()
	req := tr.next(t)
	assert.Equal(t, 1, h.Pending())

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, h.Pending())

	// A late response is ignored.
	assert.NotPanics(t, func() {
		h.Dispatch(context.Background(), mustJSON(t, domain.NewResponse(req.CorrelationID, req.Type, nil, "")))
	})
}

func TestSendMessage_TransportError(t *testing.T) {
	h, tr := newTestHandler()
	tr.sendErr = fmt.Errorf("%w: port disconnected", domain.ErrTransport)

	_, err := h.SendMessage(context.Background(), domain.MessageConnect, nil)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Equal(t, 0, h.Pending())
}

func TestSendMessage_UnmarshalablePayload(t *testing.T) {
	h, _ := newTestHandler()
	_, err := h.SendMessage(context.Background(), domain.MessageConnect, func() {})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClose_RejectsPending(t *testing.T) {
	h, tr := newTestHandler()
	ctx := context.Background()

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.SendMessage(ctx, domain.MessageConnect, nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		tr.next(t)
	}

	require.NoError(t, h.Close())
	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, domain.ErrHandlerClosed)
	}

	_, err := h.SendMessage(ctx, domain.MessageConnect, nil)
	assert.ErrorIs(t, err, domain.ErrHandlerClosed)
	assert.NoError(t, h.Close())
}

func TestHandleMessage_OrderAndFilters(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	var order []string
	h.HandleMessage(domain.EventTypeFilter(domain.EventAccountChanged), func(_ context.Context, _ domain.Envelope) {
		order = append(order, "first")
	})
	h.HandleMessage(domain.EventTypeFilter(domain.EventChainChanged), func(_ context.Context, _ domain.Envelope) {
		order = append(order, "chain")
	})
	h.HandleMessage(func(e domain.Envelope) bool { return domain.IsEvent(e) }, func(_ context.Context, _ domain.Envelope) {
		order = append(order, "any-event")
	})
	h.HandleMessage(domain.EventTypeFilter(domain.EventAccountChanged), func(_ context.Context, _ domain.Envelope) {
		order = append(order, "last")
	})

	h.Dispatch(ctx, mustJSON(t, domain.NewEventEnvelope(domain.EventAccountChanged, json.RawMessage(`"acc"`))))
	assert.Equal(t, []string{"first", "any-event", "last"}, order)
}

func TestHandleMessage_RemoveListener(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	var calls int
	id := h.HandleMessage(domain.EventTypeFilter(domain.EventChainChanged), func(_ context.Context, _ domain.Envelope) {
		calls++
	})
	ev := mustJSON(t, domain.NewEventEnvelope(domain.EventChainChanged, nil))
	h.Dispatch(ctx, ev)
	assert.True(t, h.RemoveListener(id))
	assert.False(t, h.RemoveListener(id))
	h.Dispatch(ctx, ev)
	assert.Equal(t, 1, calls)
}

func TestDispatch_DropsForeignMessages(t *testing.T) {
	h, _ := newTestHandler()
	ctx := context.Background()

	var calls int
	h.HandleMessage(func(domain.Envelope) bool { return true }, func(_ context.Context, _ domain.Envelope) {
		calls++
	})
	for _, in := range []string{
		`{"source":"react-devtools","payload":{}}`,
		`{"kind":"response"}`,
		`not json`,
		`42`,
	} {
		h.Dispatch(ctx, []byte(in))
	}
	assert.Zero(t, calls)
}

func TestDispatch_ListenerPanicIsContained(t *testing.T) {
	h, _ := newTestHandler()
	var reached bool
	h.HandleMessage(nil, func(_ context.Context, _ domain.Envelope) { panic("boom") })
	h.HandleMessage(nil, func(_ context.Context, _ domain.Envelope) { reached = true })

	h.Dispatch(context.Background(), mustJSON(t, domain.NewEventEnvelope(domain.EventChainChanged, nil)))
	assert.True(t, reached)
}

func TestOnRequest_RespondsOnce(t *testing.T) {
	h, tr := newTestHandler()
	ctx := context.Background()

	h.OnRequest(domain.MessageGetSelectedAccount, func(_ context.Context, req domain.Envelope) (any, error) {
		return "3kBx2h5Y2veb4hZgAJWPrr8RyQESKm5TjzF3ti1QQ4VSYLwK1G", nil
	})
	h.OnRequest(domain.MessageSignMessage, func(_ context.Context, _ domain.Envelope) (any, error) {
		return nil, errors.New("no signer")
	})

	h.Dispatch(ctx, mustJSON(t, domain.NewRequest("r1", domain.MessageGetSelectedAccount, nil)))
	resp := tr.next(t)
	assert.Equal(t, domain.KindResponse, resp.Kind)
	assert.Equal(t, "r1", resp.CorrelationID)
	assert.Equal(t, "GetSelectedAccount", resp.Type)
	assert.JSONEq(t, `"3kBx2h5Y2veb4hZgAJWPrr8RyQESKm5TjzF3ti1QQ4VSYLwK1G"`, string(resp.Payload))

	h.Dispatch(ctx, mustJSON(t, domain.NewRequest("r2", domain.MessageSignMessage, nil)))
	resp = tr.next(t)
	assert.Equal(t, "r2", resp.CorrelationID)
	assert.Equal(t, "no signer", resp.Error)
}

func TestOnRequest_PanicBecomesErrorResponse(t *testing.T) {
	h, tr := newTestHandler()
	h.OnRequest(domain.MessageConnect, func(_ context.Context, _ domain.Envelope) (any, error) {
		panic("boom")
	})
	h.Dispatch(context.Background(), mustJSON(t, domain.NewRequest("r1", domain.MessageConnect, nil)))
	resp := tr.next(t)
	assert.Equal(t, "internal error", resp.Error)
}

type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) Seen(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return true, nil
	}
	d.seen[key] = true
	return false, nil
}

func TestOnRequest_DedupesRedelivery(t *testing.T) {
	tr := newFakeTransport()
	h := New(tr, slog.Default(), WithDeduper(&memDeduper{seen: map[string]bool{}}, time.Minute))

	var mu sync.Mutex
	calls := 0
	h.OnRequest(domain.MessageConnect, func(_ context.Context, _ domain.Envelope) (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "acc", nil
	})

	req := mustJSON(t, domain.NewRequest("dup", domain.MessageConnect, nil))
	h.Dispatch(context.Background(), req)
	h.Dispatch(context.Background(), req)
	tr.next(t)

	select {
	case env := <-tr.sentCh:
		t.Fatalf("unexpected second response: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestOnRequest_SharedDeduperScopedPerHandler(t *testing.T) {
	shared := &memDeduper{seen: map[string]bool{}}
	req := mustJSON(t, domain.NewRequest("1", domain.MessageConnect, nil))

	for _, page := range []string{"page-a", "page-b"} {
		tr := newFakeTransport()
		h := New(tr, slog.Default(), WithName("background"), WithDeduper(shared, time.Minute))
		h.OnRequest(domain.MessageConnect, func(_ context.Context, _ domain.Envelope) (any, error) {
			return page, nil
		})

		h.Dispatch(context.Background(), req)
		resp := tr.next(t)
		assert.Equal(t, "1", resp.CorrelationID, page)
		assert.JSONEq(t, fmt.Sprintf("%q", page), string(resp.Payload))
	}
	assert.Len(t, shared.seen, 2)
}

func TestEmitAndRespond(t *testing.T) {
	h, tr := newTestHandler()
	ctx := context.Background()

	require.NoError(t, h.Emit(ctx, domain.EventAccountChanged, "acc"))
	ev := tr.next(t)
	assert.Equal(t, domain.KindEvent, ev.Kind)
	assert.Equal(t, "accountChanged", ev.Type)
	assert.Empty(t, ev.CorrelationID)

	require.NoError(t, h.Respond(ctx, "c9", nil, errors.New("rejected")))
	resp := tr.next(t)
	assert.Equal(t, "c9", resp.CorrelationID)
	assert.Equal(t, "rejected", resp.Error)
}

func TestRun_DispatchesUntilClosed(t *testing.T) {
	h, tr := newTestHandler()

	got := make(chan domain.Envelope, 1)
	h.HandleMessage(domain.EventTypeFilter(domain.EventChainChanged), func(_ context.Context, e domain.Envelope) {
		got <- e
	})

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(context.Background()) }()

	tr.inbox <- mustJSON(t, domain.NewEventEnvelope(domain.EventChainChanged, json.RawMessage(`"https://grpc.testnet"`)))
	select {
	case e := <-got:
		assert.JSONEq(t, `"https://grpc.testnet"`, string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}

	require.NoError(t, h.Close())
	assert.NoError(t, <-runErr)
}
