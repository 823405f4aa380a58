package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"walletbridge/internal/infra/config"
	"walletbridge/internal/infra/logger"
	"walletbridge/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	// Chrome starts a native host with the caller's origin as first argument.
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") || isExtensionOrigin(os.Args[1]) {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'walletd --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`walletd - wallet service for in-page dApp bridges

USAGE:
    walletd [COMMAND] [FLAGS]

COMMANDS:
    serve       Serve page bridges (default)
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./walletbridge.yaml)

CONFIGURATION:
    Config file: ./walletbridge.yaml (.json and .hujson are accepted too)
    Environment: WALLETBRIDGE_* variables override config
    Secrets:     values prefixed "enc:" are decrypted with WALLETBRIDGE_CONFIG_KEY

EXAMPLES:
    walletd                                   # Serve over WebSocket
    walletd --config /etc/walletbridge.yaml   # Run with custom config
    WALLETBRIDGE_TRANSPORT_MODE=native walletd  # Run as a native messaging host
    walletd doctor                            # Check system health`)
}

func isExtensionOrigin(arg string) bool {
	return strings.HasPrefix(arg, "chrome-extension://")
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("WALLETBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "walletbridge.yaml"
}

// nativeOrigin returns the extension origin Chrome passed on the command
// line, if any.
func nativeOrigin() string {
	for _, arg := range os.Args[1:] {
		if isExtensionOrigin(arg) {
			return strings.TrimSuffix(arg, "/")
		}
	}
	return ""
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer. A native host owns stdout for framing.
	var logOpts []logger.Option
	logOpts = append(logOpts, logger.WithService("walletd"))
	if cfg.Transport.Mode == transportNative {
		logOpts = append(logOpts, logger.WithStdoutReserved())
	}
	log, logCloser, err := logger.New(cfg.Logger, logOpts...)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Storage & dedupe
	storage, storageCleanup, err := initStorage(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer storageCleanup()

	// 5. Services (chain, tokens, monitor, wallet)
	services, err := initServices(cfg, storage, log)
	if err != nil {
		return fmt.Errorf("services: %w", err)
	}
	defer services.Bus.Close()

	// 6. Scheduler
	if err := services.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer services.Scheduler.Stop()

	log.Info("walletd starting",
		"transport", cfg.Transport.Mode,
		"chain", cfg.Chain.Endpoint,
		"genesis", cfg.Chain.GenesisHash,
		"dedupe", cfg.Store.Dedupe,
		"approval", cfg.Wallet.Approval,
		"monitor", cfg.Monitor.Enabled,
	)

	// 7. Transport
	switch cfg.Transport.Mode {
	case transportNative:
		err = serveNative(ctx, cfg, storage, services, nativeOrigin(), os.Stdin, os.Stdout, log)
	default:
		err = serveWebSocket(ctx, cfg, storage, services, log)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("walletd stopped")
	return nil
}
