// Package eventbus fans wallet events out to in-process subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"walletbridge/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription delivers events to one handler, one at a time, in publish
// order. The queue is unbounded so Publish never blocks on a slow handler.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	queue   []delivery
	notify  chan struct{}
	stop    chan struct{}
	stopped atomic.Bool
}

func (s *subscription) enqueue(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) take() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue[0] = delivery{}
	s.queue = s.queue[1:]
	return d, true
}

// cancel stops the worker; queued deliveries are discarded.
func (s *subscription) cancel() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.stop)
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	last    map[domain.EventType]domain.Event
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
	drain   chan struct{}
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		last:   make(map[domain.EventType]domain.Event),
		logger: logger,
		drain:  make(chan struct{}),
	}
}

// Publish queues event for matching typed subscribers and all-event
// subscribers. Every subscriber sees events in the order they were published.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return
	}
	b.last[event.Type] = event
	typed := append([]*subscription(nil), b.typed[event.Type]...)
	allSubs := append([]*subscription(nil), b.allSubs...)
	// Enqueue under the lock so concurrent publishers cannot interleave
	// differently for different subscribers.
	for _, sub := range typed {
		sub.enqueue(delivery{ctx: ctx, event: event})
	}
	for _, sub := range allSubs {
		sub.enqueue(delivery{ctx: ctx, event: event})
	}
	b.mu.Unlock()
}

// Last returns the most recently published event of eventType.
func (b *Bus) Last(eventType domain.EventType) (domain.Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.last[eventType]
	return ev, ok
}

func (b *Bus) start(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:      b.nextID.Add(1),
		handler: handler,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run(sub)
	return sub
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		for {
			if sub.stopped.Load() {
				return
			}
			d, ok := sub.take()
			if !ok {
				break
			}
			b.invoke(sub, d)
		}
		select {
		case <-sub.notify:
		case <-sub.stop:
			return
		case <-b.drain:
			// Close was called; deliver what is queued, then exit.
			for {
				d, ok := sub.take()
				if !ok || sub.stopped.Load() {
					return
				}
				b.invoke(sub, d)
			}
		}
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"subscription", sub.id,
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.cancel()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.start(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.cancel()
	}
}

// Close prevents new publishes, delivers already queued events and waits for
// every subscriber to finish. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	close(b.drain)
	b.mu.Unlock()
	b.wg.Wait()
}
