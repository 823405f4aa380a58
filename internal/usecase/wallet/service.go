// Package wallet is the background side of the wallet protocol: it answers
// page requests and relays wallet events to connected pages.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"walletbridge/internal/domain"
	"walletbridge/internal/usecase/messagehub"
)

// EventSource is the event bus the service publishes to and relays from.
type EventSource interface {
	domain.EventBus
	Last(eventType domain.EventType) (domain.Event, bool)
}

// TokenRegistry resolves and stores CIS-2 tokens.
type TokenRegistry interface {
	FetchContractName(ctx context.Context, index, subindex uint64) (string, error)
	AddTokens(ctx context.Context, account string, details domain.ContractDetails, tokenIDs []string) ([]domain.TokenIdentifier, error)
}

// TransactionMonitor follows submitted transactions until finalization.
type TransactionMonitor interface {
	Monitor(genesisHash, txHash string) bool
}

// Config holds the service's static settings.
type Config struct {
	Approval       string
	DefaultAccount string
	GenesisHash    string
}

// Option configures a Service.
type Option func(*Service)

// WithTokenRegistry enables AddTokens requests.
func WithTokenRegistry(r TokenRegistry) Option {
	return func(s *Service) { s.tokens = r }
}

// WithTransactionMonitor follows every transaction the user signs.
func WithTransactionMonitor(m TransactionMonitor) Option {
	return func(s *Service) { s.monitor = m }
}

// Service owns the wallet state shared by every page connection.
type Service struct {
	cfg      Config
	sites    domain.SiteStore
	approver Approver
	bus      EventSource
	tokens   TokenRegistry
	monitor  TransactionMonitor
	logger   *slog.Logger

	mu       sync.RWMutex
	selected string
	genesis  string
	receipts []Receipt

	active atomic.Int64
}

// NewService creates the wallet service.
func NewService(cfg Config, sites domain.SiteStore, approver Approver, bus EventSource, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		sites:    sites,
		approver: approver,
		bus:      bus,
		logger:   logger,
		selected: cfg.DefaultAccount,
		genesis:  cfg.GenesisHash,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectedAccount returns the account currently selected in the wallet.
func (s *Service) SelectedAccount() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// GenesisHash returns the network the wallet is on.
func (s *Service) GenesisHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genesis
}

// ActiveConnections returns the number of served pages.
func (s *Service) ActiveConnections() int64 {
	return s.active.Load()
}

// SelectAccount switches the selected account and notifies pages.
func (s *Service) SelectAccount(ctx context.Context, account string) {
	s.mu.Lock()
	changed := s.selected != account
	s.selected = account
	s.mu.Unlock()
	if changed {
		s.publish(ctx, domain.EventAccountChanged, account)
	}
}

// SwitchNetwork changes the network and notifies pages.
func (s *Service) SwitchNetwork(ctx context.Context, genesisHash string) {
	s.mu.Lock()
	changed := s.genesis != genesisHash
	s.genesis = genesisHash
	s.mu.Unlock()
	if changed {
		s.publish(ctx, domain.EventChainChanged, genesisHash)
	}
}

// DisconnectSite revokes origin and tells pages that account is no longer
// available to it. An empty account means the selected one.
func (s *Service) DisconnectSite(ctx context.Context, origin, account string) error {
	if account == "" {
		account = s.SelectedAccount()
	}
	if err := s.sites.RevokeSite(ctx, origin); err != nil {
		return domain.WrapOp("wallet.DisconnectSite", err)
	}
	s.publish(ctx, domain.EventAccountDisconnected, account)
	return nil
}

const maxReceipts = 32

// Receipt is the final outcome of a transaction the wallet submitted.
type Receipt struct {
	GenesisHash string                    `json:"genesis_hash"`
	Hash        string                    `json:"hash"`
	Outcome     domain.TransactionOutcome `json:"outcome"`
	At          time.Time                 `json:"at"`
}

// TransactionFinalized records the receipt of a monitored transaction. Only
// the latest maxReceipts are kept.
func (s *Service) TransactionFinalized(_ context.Context, genesisHash string, status domain.TransactionStatus) {
	r := Receipt{GenesisHash: genesisHash, Hash: status.Hash, Outcome: status.Outcome, At: time.Now().UTC()}
	s.mu.Lock()
	s.receipts = append(s.receipts, r)
	if n := len(s.receipts); n > maxReceipts {
		s.receipts = append(s.receipts[:0:0], s.receipts[n-maxReceipts:]...)
	}
	s.mu.Unlock()
	s.logger.Info("transaction receipt", "genesis", genesisHash, "tx", status.Hash, "outcome", string(status.Outcome))
}

// Receipts returns the kept receipts, oldest first.
func (s *Service) Receipts() []Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Receipt(nil), s.receipts...)
}

func (s *Service) publish(ctx context.Context, t domain.EventType, v any) {
	ev, err := domain.NewEvent(t, v)
	if err != nil {
		s.logger.Error("wallet event dropped", "type", string(t), "error", err)
		return
	}
	s.bus.Publish(ctx, ev)
}

// page is the state of one served page connection.
type page struct {
	origin    string
	connected atomic.Bool
}

// Serve answers the requests of the page at origin on hub and relays
// wallet events to it. The returned func detaches the page.
func (s *Service) Serve(ctx context.Context, hub *messagehub.Handler, origin string) func() {
	p := &page{origin: origin}
	log := s.logger.With("origin", origin)

	ids := []messagehub.ListenerID{
		hub.OnRequest(domain.MessageConnect, s.handleConnect(p)),
		hub.OnRequest(domain.MessageGetSelectedAccount, s.gated(p, s.handleSelectedAccount(p))),
		hub.OnRequest(domain.MessageSendTransaction, s.gated(p, s.handleSendTransaction(p))),
		hub.OnRequest(domain.MessageSignMessage, s.gated(p, s.handleSignMessage(p))),
		hub.OnRequest(domain.MessageAddCIS2Tokens, s.gated(p, s.handleAddTokens(p))),
	}

	relay := func(_ context.Context, ev domain.Event) {
		if ev.Type != domain.EventChainChanged && !p.connected.Load() {
			return
		}
		if err := hub.Emit(ctx, ev.Type, ev.Payload); err != nil {
			log.Debug("event relay failed", "type", string(ev.Type), "error", err)
		}
	}
	unsubscribe := s.bus.SubscribeAll(relay)
	if last, ok := s.bus.Last(domain.EventChainChanged); ok {
		relay(ctx, last)
	}

	s.active.Add(1)
	log.Info("page attached")

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			for _, id := range ids {
				hub.RemoveListener(id)
			}
			s.active.Add(-1)
			log.Info("page detached")
		})
	}
}

func (s *Service) gated(p *page, fn messagehub.RequestHandlerFunc) messagehub.RequestHandlerFunc {
	return func(ctx context.Context, req domain.Envelope) (any, error) {
		if !p.connected.Load() {
			return nil, domain.ErrNotConnected
		}
		return fn(ctx, req)
	}
}

func (s *Service) handleConnect(p *page) messagehub.RequestHandlerFunc {
	return func(ctx context.Context, _ domain.Envelope) (any, error) {
		if s.cfg.Approval == ApprovalDeny {
			return false, nil
		}
		account := s.SelectedAccount()

		allowed := false
		if account != "" {
			var err error
			if allowed, err = s.sites.IsAllowed(ctx, p.origin, account); err != nil {
				return nil, err
			}
		}
		if !allowed {
			ok, err := s.approver.ApproveConnect(ctx, p.origin, account)
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
			if account != "" {
				if err := s.sites.AllowSite(ctx, domain.ConnectedSite{Origin: p.origin, Account: account, ConnectedAt: time.Now()}); err != nil {
					return nil, err
				}
			}
		}

		p.connected.Store(true)
		if account == "" {
			return nil, nil
		}
		return account, nil
	}
}

func (s *Service) handleSelectedAccount(p *page) messagehub.RequestHandlerFunc {
	return func(ctx context.Context, _ domain.Envelope) (any, error) {
		account := s.SelectedAccount()
		if account == "" {
			return nil, nil
		}
		ok, err := s.sites.IsAllowed(ctx, p.origin, account)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return account, nil
	}
}

func (s *Service) handleSendTransaction(p *page) messagehub.RequestHandlerFunc {
	return func(ctx context.Context, req domain.Envelope) (any, error) {
		var payload domain.SendTransactionPayload
		if err := decode(req, &payload); err != nil {
			return nil, err
		}
		hash, err := s.approver.SignTransaction(ctx, p.origin, payload)
		if err != nil {
			return nil, err
		}
		if hash != "" && s.monitor != nil {
			s.monitor.Monitor(s.GenesisHash(), hash)
		}
		return hash, nil
	}
}

func (s *Service) handleSignMessage(p *page) messagehub.RequestHandlerFunc {
	return func(ctx context.Context, req domain.Envelope) (any, error) {
		var payload domain.SignMessagePayload
		if err := decode(req, &payload); err != nil {
			return nil, err
		}
		sig, err := s.approver.SignMessage(ctx, p.origin, payload)
		if err != nil {
			return nil, err
		}
		if sig == nil {
			return nil, nil
		}
		return sig, nil
	}
}

func (s *Service) handleAddTokens(p *page) messagehub.RequestHandlerFunc {
	return func(ctx context.Context, req domain.Envelope) (any, error) {
		if s.tokens == nil {
			return nil, domain.NewSubSystemError("messagehub", "wallet.AddTokens", domain.ErrNotFound, "token registry not configured")
		}
		var payload domain.AddTokensPayload
		if err := decode(req, &payload); err != nil {
			return nil, err
		}
		name, err := s.tokens.FetchContractName(ctx, uint64(payload.ContractIndex), uint64(payload.ContractSubindex))
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, domain.NewDomainError("wallet.AddTokens", domain.ErrInstanceNotFound,
				fmt.Sprintf("<%d,%d>", payload.ContractIndex, payload.ContractSubindex))
		}

		accepted, err := s.approver.ApproveTokens(ctx, p.origin, payload)
		if err != nil {
			return nil, err
		}
		if len(accepted) == 0 {
			return []string{}, nil
		}

		details := domain.ContractDetails{ContractName: name, Index: payload.ContractIndex, Subindex: payload.ContractSubindex}
		added, err := s.tokens.AddTokens(ctx, payload.AccountAddress, details, accepted)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(added))
		for i, t := range added {
			ids[i] = t.ID
		}
		return ids, nil
	}
}

func decode(req domain.Envelope, v any) error {
	if len(req.Payload) == 0 {
		return fmt.Errorf("%w: %s request has no payload", domain.ErrInvalidInput, req.Type)
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidInput, req.Type, err)
	}
	return nil
}
