// Package monitor polls the chain for the outcome of submitted transactions
// and pending credential deployments.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"walletbridge/internal/domain"
	"walletbridge/internal/usecase/scheduling"
)

const defaultInterval = 10 * time.Second

// DoneFunc is called once a monitored transaction is finalized.
type DoneFunc func(ctx context.Context, genesisHash string, status domain.TransactionStatus)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the delay between two polls of the same transaction.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// OnDone registers a callback for finalized transactions.
func OnDone(fn DoneFunc) Option {
	return func(c *Coordinator) { c.onDone = append(c.onDone, fn) }
}

// Coordinator owns the set of monitored transaction hashes per network.
// Each hash is polled by its own scheduler task with a fixed delay; a poll
// never overlaps the previous one.
type Coordinator struct {
	chain    domain.ChainClient
	sched    *scheduling.Scheduler
	interval time.Duration
	logger   *slog.Logger
	onDone   []DoneFunc

	mu        sync.Mutex
	monitored map[string]map[string]struct{} // genesis hash → tx hashes
}

// NewCoordinator creates a coordinator that schedules its polls on sched.
func NewCoordinator(chain domain.ChainClient, sched *scheduling.Scheduler, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		chain:     chain,
		sched:     sched,
		interval:  defaultInterval,
		logger:    logger,
		monitored: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func taskID(genesisHash, txHash string) string {
	return "tx:" + genesisHash + ":" + txHash
}

// Monitor starts polling txHash on the network identified by genesisHash.
// It returns false when the hash is already being monitored.
func (c *Coordinator) Monitor(genesisHash, txHash string) bool {
	c.mu.Lock()
	set, ok := c.monitored[genesisHash]
	if !ok {
		set = make(map[string]struct{})
		c.monitored[genesisHash] = set
	}
	if _, dup := set[txHash]; dup {
		c.mu.Unlock()
		return false
	}
	set[txHash] = struct{}{}
	c.mu.Unlock()

	err := c.sched.Poll(taskID(genesisHash, txHash), c.interval,
		func(ctx context.Context) error { return c.poll(ctx, genesisHash, txHash) })
	if err != nil {
		c.forget(genesisHash, txHash)
		c.logger.Warn("failed to schedule transaction monitor", "tx", txHash, "error", err)
		return false
	}
	c.logger.Debug("monitoring transaction", "genesis", genesisHash, "tx", txHash)
	return true
}

func (c *Coordinator) poll(ctx context.Context, genesisHash, txHash string) error {
	status, err := c.chain.GetTransactionStatus(ctx, txHash)
	if err != nil {
		return fmt.Errorf("transaction %s: %w", txHash, err)
	}
	if !status.Finalized() {
		return nil
	}

	c.Stop(genesisHash, txHash)
	c.logger.Info("transaction finalized", "genesis", genesisHash, "tx", txHash, "outcome", string(status.Outcome))
	for _, fn := range c.onDone {
		fn(ctx, genesisHash, *status)
	}
	return nil
}

// Stop abandons monitoring of txHash. Reports whether it was monitored.
func (c *Coordinator) Stop(genesisHash, txHash string) bool {
	if !c.forget(genesisHash, txHash) {
		return false
	}
	c.sched.Cancel(taskID(genesisHash, txHash))
	return true
}

func (c *Coordinator) forget(genesisHash, txHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.monitored[genesisHash]
	if !ok {
		return false
	}
	if _, ok := set[txHash]; !ok {
		return false
	}
	delete(set, txHash)
	if len(set) == 0 {
		delete(c.monitored, genesisHash)
	}
	return true
}

// IsMonitored reports whether txHash is being polled on genesisHash.
func (c *Coordinator) IsMonitored(genesisHash, txHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.monitored[genesisHash][txHash]
	return ok
}

// Monitored returns the sorted hashes monitored on genesisHash.
func (c *Coordinator) Monitored(genesisHash string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.monitored[genesisHash]))
	for h := range c.monitored[genesisHash] {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// CredentialMonitor settles pending credential deployments once the chain
// finalizes them.
type CredentialMonitor struct {
	chain       domain.ChainClient
	store       domain.CredentialStore
	genesisHash string
	logger      *slog.Logger
}

// NewCredentialMonitor creates a monitor for deployments on genesisHash.
func NewCredentialMonitor(chain domain.ChainClient, store domain.CredentialStore, genesisHash string, logger *slog.Logger) *CredentialMonitor {
	return &CredentialMonitor{chain: chain, store: store, genesisHash: genesisHash, logger: logger}
}

// Run checks every pending deployment once. It is registered as the
// scheduler's credential monitor action. Failures of single deployments are
// joined; the rest are still processed.
func (m *CredentialMonitor) Run(ctx context.Context) error {
	pending, err := m.store.ListPending(ctx, m.genesisHash)
	if err != nil {
		return domain.WrapOp("monitor.Credentials", err)
	}

	var errs []error
	for _, cred := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		status, err := m.chain.GetTransactionStatus(ctx, cred.DeploymentHash)
		if err != nil {
			errs = append(errs, fmt.Errorf("credential %s: %w", cred.DeploymentHash, err))
			continue
		}
		if !status.Finalized() {
			continue
		}
		next := domain.CredentialConfirmed
		if status.Outcome == domain.OutcomeReject {
			next = domain.CredentialRejected
		}
		if err := m.store.SetCredentialStatus(ctx, cred.DeploymentHash, next); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("credential deployment settled", "hash", cred.DeploymentHash, "status", string(next))
	}
	return errors.Join(errs...)
}
