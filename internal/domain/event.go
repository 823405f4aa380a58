package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of wallet event broadcast to page contexts.
type EventType string

const (
	EventAccountChanged      EventType = "accountChanged"
	EventAccountDisconnected EventType = "accountDisconnected"
	EventChainChanged        EventType = "chainChanged"
)

// WalletEventTypes lists every event a page bridge subscribes to.
var WalletEventTypes = []EventType{
	EventAccountChanged,
	EventAccountDisconnected,
	EventChainChanged,
}

// Event is one wallet state change as carried on the in-process bus. The
// payload is the JSON the page receives as the event's data.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent stamps an event of type t carrying v.
func NewEvent(t EventType, v any) (Event, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, t, err)
	}
	return Event{Type: t, Timestamp: time.Now(), Payload: raw}, nil
}

type EventHandler func(ctx context.Context, event Event)

// EventBus fans wallet events out to every served page. Subscribe and
// SubscribeAll return the func that removes the handler again.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	// Close waits for queued deliveries; later publishes are dropped.
	Close()
}
