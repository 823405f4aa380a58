package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"walletbridge/internal/adapter/store"
	"walletbridge/internal/infra/config"
	"walletbridge/pkg/cis2"
)

// CheckStatus is the verdict of one doctor check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult is what a check found and, when it did not pass, how to fix it.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check is one line of the doctor report.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const notLoaded = "cannot check, config not loaded"

const probeTimeout = 5 * time.Second

func pass(format string, args ...any) CheckResult {
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}

func warn(fix, format string, args ...any) CheckResult {
	return CheckResult{Status: StatusWarn, Message: fmt.Sprintf(format, args...), Fix: fix}
}

func fail(fix, format string, args ...any) CheckResult {
	return CheckResult{Status: StatusFail, Message: fmt.Sprintf(format, args...), Fix: fix}
}

// needsConfig fails fn outright when the config could not be loaded.
func needsConfig(fn func(*config.Config) CheckResult) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil {
			return fail("", notLoaded)
		}
		return fn(cfg)
	}
}

var (
	checkChainEndpoint  = needsConfig(probeChainEndpoint)
	checkGenesisHash    = needsConfig(probeGenesisHash)
	checkDefaultAccount = needsConfig(probeDefaultAccount)
	checkStore          = needsConfig(probeStore)
	checkDedupe         = needsConfig(probeDedupe)
	checkTransport      = needsConfig(probeTransport)
)

func runDoctor() error {
	path := configPath()
	cfg, loadErr := config.Load(path)

	return report(os.Stdout, cfg, []Check{
		{Name: "Config file", Fn: checkConfigFile(path, loadErr)},
		{Name: "Chain endpoint", Fn: checkChainEndpoint},
		{Name: "Genesis hash", Fn: checkGenesisHash},
		{Name: "Default account", Fn: checkDefaultAccount},
		{Name: "Store", Fn: checkStore},
		{Name: "Dedupe backend", Fn: checkDedupe},
		{Name: "Transport", Fn: checkTransport},
	})
}

// report runs checks in order, prints one line per check to w and fails
// when any check failed.
func report(w io.Writer, cfg *config.Config, checks []Check) error {
	badge := map[CheckStatus]*color.Color{
		StatusPass: color.New(color.FgGreen),
		StatusWarn: color.New(color.FgYellow),
		StatusFail: color.New(color.FgRed, color.Bold),
	}
	counts := map[CheckStatus]int{}

	fmt.Fprintf(w, "walletd doctor\n%s\n\n", strings.Repeat("=", 50))
	for _, c := range checks {
		res := c.Fn(cfg)
		counts[res.Status]++
		fmt.Fprintf(w, "  %s %s: %s\n", badge[res.Status].Sprintf("[%s]", res.Status), c.Name, res.Message)
		if res.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", res.Fix)
		}
	}
	fmt.Fprintf(w, "\n%s\n%d passed, %d warnings, %d failed\n",
		strings.Repeat("-", 50), counts[StatusPass], counts[StatusWarn], counts[StatusFail])

	switch {
	case counts[StatusFail] > 0:
		return fmt.Errorf("%d check(s) failed", counts[StatusFail])
	case counts[StatusWarn] > 0:
		fmt.Fprintln(w, "walletd will run; review the warnings above.")
	default:
		fmt.Fprintln(w, "walletd is ready.")
	}
	return nil
}

// checkConfigFile reports how the config was loaded. A missing file is only
// a warning because defaults apply.
func checkConfigFile(path string, loadErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		if loadErr != nil {
			return fail("Fix "+path+" and rerun doctor", "%v", loadErr)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return warn("Create walletbridge.yaml or pass --config", "no config at %s, using defaults", path)
		}
		return pass("loaded %s", path)
	}
}

// probeChainEndpoint opens a TCP connection to the node gateway.
func probeChainEndpoint(cfg *config.Config) CheckResult {
	u, err := url.Parse(cfg.Chain.Endpoint)
	if err != nil || u.Host == "" {
		return fail("Set chain.endpoint to the node's JSON-RPC URL", "invalid endpoint %q", cfg.Chain.Endpoint)
	}
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	started := time.Now()
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return fail("Start the node gateway or set chain.endpoint", "cannot reach %s: %v", addr, err)
	}
	conn.Close()
	return pass("%s reachable in %dms", addr, time.Since(started).Milliseconds())
}

func probeGenesisHash(cfg *config.Config) CheckResult {
	if cfg.Chain.GenesisHash == "" {
		return warn("Set chain.genesis_hash to the network's genesis block hash",
			"chain.genesis_hash not set, credential monitoring is disabled")
	}
	return pass("%s", cfg.Chain.GenesisHash)
}

func probeDefaultAccount(cfg *config.Config) CheckResult {
	account := cfg.Wallet.DefaultAccount
	if account == "" {
		return warn("", "no default account, pages connect without one")
	}
	if _, err := cis2.ParseAccountAddress(account); err != nil {
		return fail("Use a base58check account address", "wallet.default_account: %v", err)
	}
	return pass("%s", account)
}

// probeStore opens the database, which also applies migrations.
func probeStore(cfg *config.Config) CheckResult {
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fail("Check permissions on "+filepath.Dir(cfg.Store.Path), "cannot open %s: %v", cfg.Store.Path, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return fail("", "ping %s: %v", cfg.Store.Path, err)
	}
	return pass("database ready at %s", cfg.Store.Path)
}

func probeDedupe(cfg *config.Config) CheckResult {
	if cfg.Store.Dedupe != "redis" {
		return pass("in-memory dedupe")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fail("Start redis or set store.dedupe to memory", "redis at %s unreachable: %v", cfg.Store.RedisAddr, err)
	}
	return pass("redis at %s", cfg.Store.RedisAddr)
}

// probeTransport checks that a native host keeps stdout free, or that the
// WebSocket address can be bound.
func probeTransport(cfg *config.Config) CheckResult {
	t := cfg.Transport
	if t.Mode == transportNative {
		if strings.EqualFold(cfg.Logger.Output, "stdout") {
			return fail("Set logger.output to stderr or a file",
				"native mode needs stdout for messages but logger.output is stdout")
		}
		return pass("native messaging host")
	}

	ln, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return fail("Stop the process holding the port or change transport.addr", "cannot listen on %s: %v", t.Addr, err)
	}
	ln.Close()
	if t.Token == "" {
		return warn("Set transport.token so only your bridge can connect", "%s is free but no transport.token is set", t.Addr)
	}
	return pass("websocket on %s%s", t.Addr, t.Path)
}
