// Package messagehub multiplexes requests, responses and events over a single
// transport between two wallet contexts.
package messagehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"walletbridge/internal/domain"
	"walletbridge/internal/infra/tracer"
)

// ListenerID is the deregistration handle returned by HandleMessage.
type ListenerID uint64

// Callback receives every envelope accepted by its listener's filter.
type Callback func(ctx context.Context, env domain.Envelope)

// RequestHandlerFunc services one request. The returned value becomes the
// response payload; a non-nil error becomes the response error string.
type RequestHandlerFunc func(ctx context.Context, req domain.Envelope) (any, error)

type listener struct {
	id     ListenerID
	filter domain.Filter
	cb     Callback
}

type result struct {
	payload json.RawMessage
	err     error
}

type pendingEntry struct {
	msgType domain.MessageType
	ch      chan result
}

// Option configures a Handler.
type Option func(*Handler)

// WithDeduper suppresses repeated deliveries of the same request for ttl.
// Keys are scoped to this handler, so one deduper can serve many
// connections whose peers reuse correlation ids.
func WithDeduper(d domain.Deduper, ttl time.Duration) Option {
	return func(h *Handler) {
		h.deduper = d
		h.dedupeTTL = ttl
	}
}

// WithName labels log lines with the context this handler runs in.
func WithName(name string) Option {
	return func(h *Handler) { h.name = name }
}

// Handler is one context's end of the message protocol. It owns the
// listener registrations and the table of requests awaiting a response.
type Handler struct {
	transport domain.Transport
	logger    *slog.Logger
	name      string

	mu        sync.Mutex
	listeners []listener
	pending   map[string]pendingEntry
	closed    bool

	nextID  atomic.Uint64
	idMu    sync.Mutex
	entropy io.Reader

	deduper     domain.Deduper
	dedupeTTL   time.Duration
	dedupeScope string
}

// New creates a handler on top of transport.
func New(transport domain.Transport, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		transport: transport,
		logger:    logger,
		name:      "default",
		pending:   make(map[string]pendingEntry),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		dedupeTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.dedupeScope = h.newCorrelationID()
	h.logger = h.logger.With("context", h.name)
	return h
}

func (h *Handler) dedupeKey(correlationID string) string {
	return "request:" + h.dedupeScope + ":" + correlationID
}

func (h *Handler) newCorrelationID() string {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), h.entropy).String()
}

// HandleMessage registers cb for every incoming envelope accepted by filter.
// Callbacks run synchronously in registration order.
func (h *Handler) HandleMessage(filter domain.Filter, cb Callback) ListenerID {
	id := ListenerID(h.nextID.Add(1))
	h.mu.Lock()
	if !h.closed {
		h.listeners = append(h.listeners, listener{id: id, filter: filter, cb: cb})
	}
	h.mu.Unlock()
	return id
}

// RemoveListener deregisters a listener. Reports whether it was registered.
func (h *Handler) RemoveListener(id ListenerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l.id == id {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of requests awaiting a response.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// SendMessage sends a request and waits for the correlated response.
// There is no built-in timeout: cancelling ctx abandons the request and
// removes its pending entry.
func (h *Handler) SendMessage(ctx context.Context, msgType domain.MessageType, payload any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "messagehub.SendMessage",
		trace.WithAttributes(tracer.StringAttr("message.type", string(msgType))),
	)
	defer span.End()

	raw, err := marshalPayload(payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("messagehub.SendMessage", err)
	}

	id := h.newCorrelationID()
	span.SetAttributes(tracer.StringAttr("message.correlation_id", id))
	ch := make(chan result, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, domain.ErrHandlerClosed
	}
	h.pending[id] = pendingEntry{msgType: msgType, ch: ch}
	h.mu.Unlock()

	data, err := json.Marshal(domain.NewRequest(id, msgType, raw))
	if err == nil {
		err = h.transport.Send(ctx, data)
	}
	if err != nil {
		h.dropPending(id)
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("messagehub.SendMessage", err)
	}
	h.logger.Debug("request sent", "type", string(msgType), "correlation_id", id)

	select {
	case res := <-ch:
		if res.err != nil {
			tracer.RecordError(span, res.err)
			return nil, res.err
		}
		tracer.SetOK(span)
		return res.payload, nil
	case <-ctx.Done():
		h.dropPending(id)
		tracer.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

func (h *Handler) dropPending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// Respond answers a request this context is servicing. A non-nil err is
// sent as the response error string. Responding twice to the same id is a
// caller bug.
func (h *Handler) Respond(ctx context.Context, correlationID string, res any, err error) error {
	return h.respond(ctx, correlationID, "", res, err)
}

func (h *Handler) respond(ctx context.Context, correlationID, msgType string, res any, err error) error {
	var env domain.Envelope
	if err != nil {
		env = domain.NewResponse(correlationID, msgType, nil, err.Error())
	} else {
		raw, merr := marshalPayload(res)
		if merr != nil {
			env = domain.NewResponse(correlationID, msgType, nil, merr.Error())
		} else {
			env = domain.NewResponse(correlationID, msgType, raw, "")
		}
	}
	data, merr := json.Marshal(env)
	if merr != nil {
		return domain.WrapOp("messagehub.Respond", merr)
	}
	return domain.WrapOp("messagehub.Respond", h.transport.Send(ctx, data))
}

// Emit broadcasts an event. Nobody awaits it.
func (h *Handler) Emit(ctx context.Context, eventType domain.EventType, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return domain.WrapOp("messagehub.Emit", err)
	}
	data, err := json.Marshal(domain.NewEventEnvelope(eventType, raw))
	if err != nil {
		return domain.WrapOp("messagehub.Emit", err)
	}
	return domain.WrapOp("messagehub.Emit", h.transport.Send(ctx, data))
}

// OnRequest services requests of one type. Each request runs in its own
// goroutine and is answered exactly once. With a deduper configured,
// redelivered requests are ignored.
func (h *Handler) OnRequest(msgType domain.MessageType, fn RequestHandlerFunc) ListenerID {
	return h.HandleMessage(domain.RequestTypeFilter(msgType), func(ctx context.Context, env domain.Envelope) {
		if h.deduper != nil {
			seen, err := h.deduper.Seen(ctx, h.dedupeKey(env.CorrelationID), h.dedupeTTL)
			if err != nil {
				h.logger.Warn("dedupe check failed", "correlation_id", env.CorrelationID, "error", err)
			} else if seen {
				h.logger.Debug("duplicate request dropped", "type", env.Type, "correlation_id", env.CorrelationID)
				return
			}
		}
		go h.serve(ctx, env, fn)
	})
}

func (h *Handler) serve(ctx context.Context, env domain.Envelope, fn RequestHandlerFunc) {
	var (
		res any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("request handler panicked", "type", env.Type, "panic", r)
				err = fmt.Errorf("internal error")
			}
		}()
		res, err = fn(ctx, env)
	}()
	if err != nil {
		h.logger.Debug("request failed", "type", env.Type, "correlation_id", env.CorrelationID, "error", err)
	}
	if rerr := h.respond(ctx, env.CorrelationID, env.Type, res, err); rerr != nil {
		h.logger.Warn("respond failed", "type", env.Type, "correlation_id", env.CorrelationID, "error", rerr)
	}
}

// Dispatch classifies one incoming message, resolves a pending request when
// it is a response, and feeds it to every matching listener. Foreign or
// malformed input is dropped.
func (h *Handler) Dispatch(ctx context.Context, data []byte) {
	env := domain.ParseEnvelope(data)
	if env.Kind == domain.KindUnrecognized {
		h.logger.Debug("dropped unrecognized message", "bytes", len(data))
		return
	}

	if env.Kind == domain.KindResponse {
		h.resolve(env)
	}

	h.mu.Lock()
	listeners := make([]listener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, l := range listeners {
		if l.filter == nil || l.filter(env) {
			h.invoke(ctx, l, env)
		}
	}
}

func (h *Handler) invoke(ctx context.Context, l listener, env domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("listener panicked", "listener", uint64(l.id), "type", env.Type, "panic", r)
		}
	}()
	l.cb(ctx, env)
}

func (h *Handler) resolve(env domain.Envelope) {
	h.mu.Lock()
	entry, ok := h.pending[env.CorrelationID]
	if ok {
		delete(h.pending, env.CorrelationID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if env.Error != "" {
		entry.ch <- result{err: &domain.ResponseError{
			Type:          string(entry.msgType),
			CorrelationID: env.CorrelationID,
			Message:       env.Error,
		}}
		return
	}
	entry.ch <- result{payload: env.Payload}
}

// Run feeds the transport into Dispatch until ctx is cancelled or the
// transport closes.
func (h *Handler) Run(ctx context.Context) error {
	for {
		data, err := h.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, domain.ErrTransportClosed) {
				return nil
			}
			return domain.WrapOp("messagehub.Run", err)
		}
		h.Dispatch(ctx, data)
	}
}

// Close rejects every pending request with domain.ErrHandlerClosed, clears
// all listeners and closes the transport. Idempotent.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	pending := h.pending
	h.pending = make(map[string]pendingEntry)
	h.listeners = nil
	h.mu.Unlock()

	for _, entry := range pending {
		entry.ch <- result{err: domain.ErrHandlerClosed}
	}
	if len(pending) > 0 {
		h.logger.Info("rejected pending requests on close", "count", len(pending))
	}
	return h.transport.Close()
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal payload: %w", domain.ErrInvalidInput, err)
		}
		return raw, nil
	}
}
