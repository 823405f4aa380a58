package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateTransport(cfg, ve)
	validateChain(cfg, ve)
	validateStore(cfg, ve)
	validateMonitor(cfg, ve)
	validateWallet(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "noop":
	case "stdout":
		if cfg.Transport.Mode == "native" {
			ve.Add("tracer.exporter \"stdout\" cannot be used with the native transport")
		}
	case "file":
		if cfg.Tracer.Output == "" {
			ve.Add("tracer.output is required when exporter is \"file\"")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, file)", cfg.Tracer.Exporter)
	}
}

func validateTransport(cfg *Config, ve *ValidationError) {
	t := cfg.Transport
	switch t.Mode {
	case "websocket":
		if _, _, err := net.SplitHostPort(t.Addr); err != nil {
			ve.Add("transport.addr %q is not a valid host:port", t.Addr)
		}
		if !strings.HasPrefix(t.Path, "/") {
			ve.Add("transport.path %q must start with /", t.Path)
		}
	case "native":
	default:
		ve.Add("transport.mode %q is invalid (want: websocket, native)", t.Mode)
	}
	if t.DedupeTTL <= 0 {
		ve.Add("transport.dedupe_ttl must be > 0")
	}
	if t.AdminToken != "" && t.AdminToken == t.Token {
		ve.Add("transport.admin_token must differ from transport.token")
	}
	if t.UpgradesPerMinute < 0 || t.UpgradeBurst < 0 {
		ve.Add("transport.upgrades_per_minute and transport.upgrade_burst must be >= 0")
	}
}

func validateChain(cfg *Config, ve *ValidationError) {
	c := cfg.Chain
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		ve.Add("chain.endpoint %q must be an http(s) URL", c.Endpoint)
	}
	if c.RequestsPerSecond <= 0 {
		ve.Add("chain.requests_per_second must be > 0")
	}
	if c.Burst <= 0 {
		ve.Add("chain.burst must be > 0")
	}
	if c.ConnTimeout <= 0 {
		ve.Add("chain.conn_timeout must be > 0")
	}
	if c.RespTimeout <= 0 {
		ve.Add("chain.resp_timeout must be > 0")
	}
	if c.CircuitBreaker.MaxFailures == 0 {
		ve.Add("chain.circuit_breaker.max_failures must be > 0")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
	switch cfg.Store.Dedupe {
	case "memory":
	case "redis":
		if cfg.Store.RedisAddr == "" {
			ve.Add("store.redis_addr is required when dedupe is \"redis\"")
		}
	default:
		ve.Add("store.dedupe %q is invalid (want: memory, redis)", cfg.Store.Dedupe)
	}
}

func validateMonitor(cfg *Config, ve *ValidationError) {
	if !cfg.Monitor.Enabled {
		return
	}
	if cfg.Monitor.Interval <= 0 {
		ve.Add("monitor.interval must be > 0 when monitoring is enabled")
	}
	if err := checkSchedule(cfg.Monitor.CredentialSchedule); err != nil {
		ve.Add("monitor.credential_schedule: %v", err)
	}
	if err := checkSchedule(cfg.Monitor.DedupePruneSchedule); err != nil {
		ve.Add("monitor.dedupe_prune_schedule: %v", err)
	}
}

// checkSchedule accepts the same forms the scheduler does: a five-field cron
// expression, a descriptor such as "@hourly", or a positive duration.
func checkSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("must not be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err == nil {
		return nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil || d <= 0 {
		return fmt.Errorf("%q is not a cron expression or positive duration", schedule)
	}
	return nil
}

func validateWallet(cfg *Config, ve *ValidationError) {
	w := cfg.Wallet
	switch w.Approval {
	case "prompt", "deny":
	case "allowlist":
		if len(w.AllowedSites) == 0 {
			ve.Add("wallet.allowed_sites must not be empty when approval is \"allowlist\"")
		}
	default:
		ve.Add("wallet.approval %q is invalid (want: prompt, allowlist, deny)", w.Approval)
	}
	if w.MetadataTimeout <= 0 {
		ve.Add("wallet.metadata_timeout must be > 0")
	}
	if w.MaxMetadataBytes <= 0 {
		ve.Add("wallet.max_metadata_bytes must be > 0")
	}
}
