// Package bridge is the page-facing end of the wallet protocol. It gates
// every wallet request behind a connection handshake and relays wallet
// events to page listeners.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"walletbridge/internal/domain"
	"walletbridge/internal/usecase/messagehub"
)

// Session is the connection state of one page.
type Session struct {
	Connected       bool
	SelectedAccount string
}

// EventListener receives the payload of a wallet event.
type EventListener func(ctx context.Context, payload json.RawMessage)

// ListenerID identifies a registered EventListener.
type ListenerID uint64

type eventListener struct {
	id   ListenerID
	fn   EventListener
	once bool
}

// Bridge wraps a message handler with connection gating and an event relay.
type Bridge struct {
	hub    *messagehub.Handler
	logger *slog.Logger

	mu        sync.Mutex
	session   Session
	listeners map[domain.EventType][]eventListener
	nextID    atomic.Uint64
	hubIDs    []messagehub.ListenerID
}

// New creates a bridge on hub and subscribes once to every wallet event.
func New(hub *messagehub.Handler, logger *slog.Logger) *Bridge {
	b := &Bridge{
		hub:       hub,
		logger:    logger,
		listeners: make(map[domain.EventType][]eventListener),
	}
	for _, t := range domain.WalletEventTypes {
		b.hubIDs = append(b.hubIDs, hub.HandleMessage(domain.EventTypeFilter(t), b.relay(t)))
	}
	return b
}

// Session returns a snapshot of the connection state.
func (b *Bridge) Session() Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Reset puts the session back into the disconnected state, for example
// after the page navigated or the wallet revoked the site.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.session = Session{}
	b.mu.Unlock()
}

// Connect asks the wallet to connect this page. A literal false answer is
// domain.ErrConnectionRejected; a null answer connects without an account.
func (b *Bridge) Connect(ctx context.Context) (string, error) {
	raw, err := b.hub.SendMessage(ctx, domain.MessageConnect, nil)
	if err != nil {
		return "", domain.WrapOp("bridge.Connect", err)
	}

	var account string
	switch string(raw) {
	case "false":
		return "", domain.NewDomainError("bridge.Connect", domain.ErrConnectionRejected, "")
	case "", "null":
	default:
		if err := json.Unmarshal(raw, &account); err != nil {
			return "", domain.WrapOp("bridge.Connect", fmt.Errorf("%w: connect result %s", domain.ErrProtocol, raw))
		}
	}

	b.mu.Lock()
	b.session = Session{Connected: true, SelectedAccount: account}
	b.mu.Unlock()
	b.logger.Debug("connected", "account", account)
	return account, nil
}

// sendGated connects first when needed. A failed connect is returned as is
// and the request is never sent.
func (b *Bridge) sendGated(ctx context.Context, msgType domain.MessageType, payload any) (json.RawMessage, error) {
	b.mu.Lock()
	connected := b.session.Connected
	b.mu.Unlock()

	if !connected {
		if _, err := b.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return b.hub.SendMessage(ctx, msgType, payload)
}

// SendTransaction asks the wallet to sign and submit a transaction and
// returns its hash. parameters and schema are only used by contract
// transactions; schemaVersion may be nil.
func (b *Bridge) SendTransaction(ctx context.Context, account string, txType int, payload, parameters json.RawMessage, schema string, schemaVersion *int) (string, error) {
	raw, err := b.sendGated(ctx, domain.MessageSendTransaction, domain.SendTransactionPayload{
		AccountAddress: account,
		Type:           txType,
		Payload:        payload,
		Parameters:     parameters,
		Schema:         schema,
		SchemaVersion:  schemaVersion,
	})
	if err != nil {
		return "", domain.WrapOp("bridge.SendTransaction", err)
	}
	var hash string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &hash); err != nil {
			return "", domain.WrapOp("bridge.SendTransaction", fmt.Errorf("%w: transaction hash %s", domain.ErrProtocol, raw))
		}
	}
	if hash == "" {
		return "", domain.NewDomainError("bridge.SendTransaction", domain.ErrSigningRejected, "")
	}
	return hash, nil
}

// SignMessage asks the wallet to sign message with account.
func (b *Bridge) SignMessage(ctx context.Context, account, message string) (domain.AccountTransactionSignature, error) {
	raw, err := b.sendGated(ctx, domain.MessageSignMessage, domain.SignMessagePayload{
		AccountAddress: account,
		Message:        message,
	})
	if err != nil {
		return nil, domain.WrapOp("bridge.SignMessage", err)
	}
	var sig domain.AccountTransactionSignature
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sig); err != nil {
			return nil, domain.WrapOp("bridge.SignMessage", fmt.Errorf("%w: signature %s", domain.ErrProtocol, raw))
		}
	}
	if sig == nil {
		return nil, domain.NewDomainError("bridge.SignMessage", domain.ErrSigningRejected, "")
	}
	return sig, nil
}

// AddCIS2Tokens asks the wallet to track tokens of the contract at
// (index, subindex). It returns the ids the user accepted.
func (b *Bridge) AddCIS2Tokens(ctx context.Context, account string, tokenIDs []string, index, subindex uint64) ([]string, error) {
	raw, err := b.sendGated(ctx, domain.MessageAddCIS2Tokens, domain.AddTokensPayload{
		AccountAddress:   account,
		TokenIDs:         tokenIDs,
		ContractIndex:    domain.Uint64(index),
		ContractSubindex: domain.Uint64(subindex),
	})
	if err != nil {
		return nil, domain.WrapOp("bridge.AddCIS2Tokens", err)
	}
	added := []string{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &added); err != nil {
			return nil, domain.WrapOp("bridge.AddCIS2Tokens", fmt.Errorf("%w: added tokens %s", domain.ErrProtocol, raw))
		}
	}
	return added, nil
}

// GetMostRecentlySelectedAccount returns the account the wallet last
// selected for this page, or "" when there is none.
func (b *Bridge) GetMostRecentlySelectedAccount(ctx context.Context) (string, error) {
	raw, err := b.sendGated(ctx, domain.MessageGetSelectedAccount, nil)
	if err != nil {
		return "", domain.WrapOp("bridge.GetMostRecentlySelectedAccount", err)
	}
	var account string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &account); err != nil {
			return "", domain.WrapOp("bridge.GetMostRecentlySelectedAccount", fmt.Errorf("%w: account %s", domain.ErrProtocol, raw))
		}
	}
	return account, nil
}

// On registers fn for every event of type t.
func (b *Bridge) On(t domain.EventType, fn EventListener) ListenerID {
	return b.add(t, fn, false)
}

// Once registers fn for the next event of type t only.
func (b *Bridge) Once(t domain.EventType, fn EventListener) ListenerID {
	return b.add(t, fn, true)
}

func (b *Bridge) add(t domain.EventType, fn EventListener, once bool) ListenerID {
	id := ListenerID(b.nextID.Add(1))
	b.mu.Lock()
	b.listeners[t] = append(b.listeners[t], eventListener{id: id, fn: fn, once: once})
	b.mu.Unlock()
	return id
}

// RemoveListener deregisters one listener. Reports whether it was found.
func (b *Bridge) RemoveListener(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, ls := range b.listeners {
		for i, l := range ls {
			if l.id == id {
				b.listeners[t] = append(ls[:i:i], ls[i+1:]...)
				return true
			}
		}
	}
	return false
}

// RemoveAllListeners clears the listeners of the given types, or of every
// type when none is given.
func (b *Bridge) RemoveAllListeners(types ...domain.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.listeners = make(map[domain.EventType][]eventListener)
		return
	}
	for _, t := range types {
		delete(b.listeners, t)
	}
}

// ListenerCount returns the number of listeners registered for t.
func (b *Bridge) ListenerCount(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[t])
}

// relay returns the hub callback for events of type t. It keeps the session
// in step with account events before fanning out.
func (b *Bridge) relay(t domain.EventType) messagehub.Callback {
	return func(ctx context.Context, env domain.Envelope) {
		b.mu.Lock()
		b.trackSession(t, env.Payload)
		ls := b.listeners[t]
		targets := make([]eventListener, len(ls))
		copy(targets, ls)
		kept := ls[:0:0]
		for _, l := range ls {
			if !l.once {
				kept = append(kept, l)
			}
		}
		if len(kept) != len(ls) {
			b.listeners[t] = kept
		}
		b.mu.Unlock()

		for _, l := range targets {
			l.fn(ctx, env.Payload)
		}
	}
}

// trackSession must be called with b.mu held.
func (b *Bridge) trackSession(t domain.EventType, payload json.RawMessage) {
	var account string
	if err := json.Unmarshal(payload, &account); err != nil {
		return
	}
	switch t {
	case domain.EventAccountChanged:
		if b.session.Connected {
			b.session.SelectedAccount = account
		}
	case domain.EventAccountDisconnected:
		if b.session.Connected && b.session.SelectedAccount == account {
			b.session = Session{}
		}
	}
}

// Close removes the bridge's event subscriptions from the hub and drops all
// page listeners. The hub itself is left open.
func (b *Bridge) Close() {
	for _, id := range b.hubIDs {
		b.hub.RemoveListener(id)
	}
	b.RemoveAllListeners()
}
