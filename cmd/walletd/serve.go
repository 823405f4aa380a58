package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"walletbridge/internal/adapter/transport"
	"walletbridge/internal/domain"
	"walletbridge/internal/infra/config"
	"walletbridge/internal/infra/middleware"
	"walletbridge/internal/usecase/messagehub"
	"walletbridge/internal/usecase/scheduling"
)

// servePage runs one page connection until the transport closes or ctx ends.
func servePage(ctx context.Context, cfg *config.Config, sc *storageComponents, svc *serviceComponents,
	name, origin string, t domain.Transport, log *slog.Logger) error {
	hub := messagehub.New(t, log,
		messagehub.WithName(name),
		messagehub.WithDeduper(sc.Deduper, cfg.Transport.DedupeTTL),
	)
	detach := svc.Wallet.Serve(ctx, hub, origin)
	defer detach()
	defer hub.Close()

	// Native reads are not interruptible, so Run is raced against ctx.
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func serveNative(ctx context.Context, cfg *config.Config, sc *storageComponents, svc *serviceComponents,
	origin string, r io.Reader, w io.Writer, log *slog.Logger) error {
	log.Info("serving native messaging host", "origin", origin)
	t := transport.NewNative(r, w, nil)
	if err := servePage(ctx, cfg, sc, svc, "native", origin, t, log.With("origin", origin)); err != nil {
		return fmt.Errorf("native host: %w", err)
	}
	return nil
}

func serveWebSocket(ctx context.Context, cfg *config.Config, sc *storageComponents, svc *serviceComponents, log *slog.Logger) error {
	opts := []transport.ServerOption{
		transport.WithPath(cfg.Transport.Path),
		transport.WithMiddleware(
			middleware.Headers,
			middleware.UpgradeLimit(ctx, cfg.Transport.UpgradesPerMinute, cfg.Transport.UpgradeBurst),
		),
	}
	if cfg.Transport.Token != "" {
		opts = append(opts, transport.WithToken(cfg.Transport.Token))
	}
	if len(cfg.Transport.AllowedOrigins) > 0 {
		opts = append(opts, transport.WithOriginPatterns(cfg.Transport.AllowedOrigins...))
	}

	srv := transport.NewServer(cfg.Transport.Addr, func(ctx context.Context, connID uint64, origin string, t *transport.WebSocket) {
		connLog := log.With("conn_id", connID, "origin", origin)
		if err := servePage(ctx, cfg, sc, svc, fmt.Sprintf("page-%d", connID), origin, t, connLog); err != nil {
			connLog.Warn("page connection ended with error", "error", err)
		}
	}, log.With("component", "transport"), opts...)
	srv.RegisterHTTPRoute("/healthz", healthHandler(svc))
	if cfg.Transport.AdminToken != "" {
		registerAdminRoutes(srv, cfg.Transport.AdminToken, svc.Wallet, log.With("component", "admin"))
	}

	return srv.Start(ctx)
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int64  `json:"connections"`
	Chain       string `json:"chain"`
	Genesis     string `json:"genesis,omitempty"`
	Account     string `json:"account,omitempty"`
	Monitored   int    `json:"monitored"`

	Jobs []scheduling.JobStatus `json:"jobs"`
}

func healthHandler(svc *serviceComponents) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status:      "ok",
			Connections: svc.Wallet.ActiveConnections(),
			Chain:       svc.Chain.State().String(),
			Genesis:     svc.Wallet.GenesisHash(),
			Account:     svc.Wallet.SelectedAccount(),
			Monitored:   svc.Scheduler.Pollers(),
			Jobs:        svc.Scheduler.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
