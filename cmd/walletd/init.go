package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"walletbridge/internal/adapter/chain"
	"walletbridge/internal/adapter/store"
	"walletbridge/internal/domain"
	"walletbridge/internal/infra/config"
	"walletbridge/internal/usecase/eventbus"
	"walletbridge/internal/usecase/monitor"
	"walletbridge/internal/usecase/scheduling"
	"walletbridge/internal/usecase/token"
	"walletbridge/internal/usecase/wallet"
)

const (
	transportWebSocket = "websocket"
	transportNative    = "native"
)

// storageComponents holds the persistence layer.
type storageComponents struct {
	DB      *store.SQLite
	Deduper domain.Deduper
	// Memory is set when dedupe is in-process and needs pruning.
	Memory *store.MemoryDeduper
}

func initStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storageComponents, func(), error) {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	sc := &storageComponents{DB: db}
	closers := []func() error{db.Close}

	switch cfg.Store.Dedupe {
	case "redis":
		rd, err := store.NewRedisDeduper(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("redis dedupe: %w", err)
		}
		sc.Deduper = rd
		closers = append(closers, rd.Close)
	default:
		sc.Memory = store.NewMemoryDeduper()
		sc.Deduper = sc.Memory
	}

	log.Info("storage ready", "path", cfg.Store.Path, "dedupe", cfg.Store.Dedupe)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("storage close error", "error", err)
			}
		}
	}
	return sc, cleanup, nil
}

// serviceComponents holds the wired use cases.
type serviceComponents struct {
	Chain     *chain.Client
	Tokens    *token.Service
	Bus       *eventbus.Bus
	Scheduler *scheduling.Scheduler
	Monitor   *monitor.Coordinator
	Wallet    *wallet.Service
}

func initServices(cfg *config.Config, sc *storageComponents, log *slog.Logger) (*serviceComponents, error) {
	chainClient := chain.NewClient(cfg.Chain, log.With("component", "chain"))

	fetcher := token.NewMetadataFetcher(&http.Client{Timeout: cfg.Wallet.MetadataTimeout}, cfg.Wallet.MaxMetadataBytes)
	tokens := token.NewService(chainClient, log.With("component", "token"),
		token.WithTokenStore(sc.DB),
		token.WithMetadataFetcher(fetcher),
	)

	bus := eventbus.New(log)
	sched := scheduling.NewScheduler(log.With("component", "scheduler"))
	// svc is assigned below; receipts only arrive after the first poll.
	var svc *wallet.Service
	coord := monitor.NewCoordinator(chainClient, sched, log.With("component", "monitor"),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.OnDone(func(ctx context.Context, genesisHash string, status domain.TransactionStatus) {
			svc.TransactionFinalized(ctx, genesisHash, status)
		}),
	)

	if err := registerTasks(cfg, sc, chainClient, sched, log); err != nil {
		bus.Close()
		return nil, err
	}

	opts := []wallet.Option{wallet.WithTokenRegistry(tokens)}
	if cfg.Monitor.Enabled {
		opts = append(opts, wallet.WithTransactionMonitor(coord))
	}
	svc = wallet.NewService(
		wallet.Config{
			Approval:       cfg.Wallet.Approval,
			DefaultAccount: cfg.Wallet.DefaultAccount,
			GenesisHash:    cfg.Chain.GenesisHash,
		},
		sc.DB,
		wallet.NewPolicyApprover(cfg.Wallet.Approval, cfg.Wallet.AllowedSites, log.With("component", "approver")),
		bus,
		log.With("component", "wallet"),
		opts...,
	)

	return &serviceComponents{
		Chain:     chainClient,
		Tokens:    tokens,
		Bus:       bus,
		Scheduler: sched,
		Monitor:   coord,
		Wallet:    svc,
	}, nil
}

// registerTasks installs the recurring background jobs.
func registerTasks(cfg *config.Config, sc *storageComponents, chainClient domain.ChainClient, sched *scheduling.Scheduler, log *slog.Logger) error {
	if sc.Memory != nil {
		if err := sched.Add(scheduling.Job{
			Name:     scheduling.JobDedupePrune,
			Schedule: cfg.Monitor.DedupePruneSchedule,
			Run: func(ctx context.Context) error {
				if n := sc.Memory.Prune(ctx); n > 0 {
					log.Debug("dedupe keys pruned", "count", n)
				}
				return nil
			},
		}); err != nil {
			return err
		}
	}

	if !cfg.Monitor.Enabled {
		return nil
	}
	if cfg.Chain.GenesisHash == "" {
		log.Warn("chain.genesis_hash not set, credential monitoring disabled")
		return nil
	}
	creds := monitor.NewCredentialMonitor(chainClient, sc.DB, cfg.Chain.GenesisHash, log.With("component", "credentials"))
	return sched.Add(scheduling.Job{
		Name:     scheduling.JobCredentialMonitor,
		Schedule: cfg.Monitor.CredentialSchedule,
		Run:      creds.Run,
	})
}
