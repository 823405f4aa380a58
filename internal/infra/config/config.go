package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Transport TransportConfig `yaml:"transport"`
	Chain     ChainConfig     `yaml:"chain"`
	Store     StoreConfig     `yaml:"store"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Wallet    WalletConfig    `yaml:"wallet"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "noop", "stdout" or "file"
	Output      string `yaml:"output"`   // file path for the "file" exporter
	ServiceName string `yaml:"service_name"`
}

// TransportConfig selects how page bridges reach the wallet service.
type TransportConfig struct {
	Mode  string `yaml:"mode"` // "websocket" or "native"
	Addr  string `yaml:"addr"`
	Path  string `yaml:"path"`
	Token string `yaml:"token"`
	// AdminToken guards the operator routes under /admin; empty disables them.
	AdminToken     string        `yaml:"admin_token"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	DedupeTTL      time.Duration `yaml:"dedupe_ttl"`
	// Upgrade attempts allowed per client IP; 0 disables the limit.
	UpgradesPerMinute int `yaml:"upgrades_per_minute"`
	UpgradeBurst      int `yaml:"upgrade_burst"`
}

// CircuitBreakerConfig configures the breaker in front of the chain RPC.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig configures HTTP connection pooling.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ChainConfig configures the chain JSON-RPC client.
type ChainConfig struct {
	Endpoint          string               `yaml:"endpoint"`
	APIKey            string               `yaml:"api_key"`
	GenesisHash       string               `yaml:"genesis_hash"`
	ConnTimeout       time.Duration        `yaml:"conn_timeout"`
	RespTimeout       time.Duration        `yaml:"resp_timeout"`
	RequestsPerSecond float64              `yaml:"requests_per_second"`
	Burst             int                  `yaml:"burst"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool              PoolConfig           `yaml:"pool"`
}

// StoreConfig configures persistence and request dedupe.
type StoreConfig struct {
	Path          string `yaml:"path"`
	Dedupe        string `yaml:"dedupe"` // "memory" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// MonitorConfig configures background status polling.
type MonitorConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval"`
	CredentialSchedule  string        `yaml:"credential_schedule"` // cron expression or duration
	DedupePruneSchedule string        `yaml:"dedupe_prune_schedule"`
}

// WalletConfig configures the background wallet service.
type WalletConfig struct {
	Approval         string        `yaml:"approval"` // "prompt", "allowlist" or "deny"
	DefaultAccount   string        `yaml:"default_account"`
	AllowedSites     []string      `yaml:"allowed_sites"`
	MetadataTimeout  time.Duration `yaml:"metadata_timeout"`
	MaxMetadataBytes int64         `yaml:"max_metadata_bytes"`
}

// defaultDataDir returns the persistent data directory under $HOME/.walletbridge.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".walletbridge")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "walletbridge",
		},
		Transport: TransportConfig{
			Mode:      "websocket",
			Addr:      "127.0.0.1:8790",
			Path:      "/ws",
			DedupeTTL: 5 * time.Minute,

			UpgradesPerMinute: 60,
			UpgradeBurst:      10,
		},
		Chain: ChainConfig{
			Endpoint:          "http://127.0.0.1:9095/rpc",
			ConnTimeout:       10 * time.Second,
			RespTimeout:       30 * time.Second,
			RequestsPerSecond: 20,
			Burst:             10,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Store: StoreConfig{
			Path:   filepath.Join(dataDir, "wallet.db"),
			Dedupe: "memory",
		},
		Monitor: MonitorConfig{
			Enabled:             true,
			Interval:            10 * time.Second,
			CredentialSchedule:  "10s",
			DedupePruneSchedule: "1m",
		},
		Wallet: WalletConfig{
			Approval:         "prompt",
			MetadataTimeout:  10 * time.Second,
			MaxMetadataBytes: 1 << 20,
		},
	}
}

// Load reads a config file, applies env var overrides, and decrypts secrets.
// YAML is the native format; files ending in .json, .jsonc or .hujson may
// carry comments and trailing commas.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := decode(absPath, data, cfg); err != nil {
		return nil, err
	}

	if len(cfg.Includes) > 0 {
		if err := newIncluder(absPath).apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}
		// The main file takes precedence over its includes.
		if err := decode(absPath, data, cfg); err != nil {
			return nil, err
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("WALLETBRIDGE_CONFIG_KEY"); passphrase != "" {
		if err := openSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decode unmarshals data onto cfg. JSON is a subset of YAML, so commented
// JSON only needs to be standardized first.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
		}
		data = std
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ApplyEnvOverrides maps WALLETBRIDGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WALLETBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WALLETBRIDGE_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WALLETBRIDGE_LOG_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	if v := os.Getenv("WALLETBRIDGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	} else if v == "false" {
		cfg.Tracer.Enabled = false
	}
	if v := os.Getenv("WALLETBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("WALLETBRIDGE_TRANSPORT_MODE"); v != "" {
		cfg.Transport.Mode = v
	}
	if v := os.Getenv("WALLETBRIDGE_TRANSPORT_ADDR"); v != "" {
		cfg.Transport.Addr = v
	}
	if v := os.Getenv("WALLETBRIDGE_TRANSPORT_TOKEN"); v != "" {
		cfg.Transport.Token = v
	}
	if v := os.Getenv("WALLETBRIDGE_TRANSPORT_ADMIN_TOKEN"); v != "" {
		cfg.Transport.AdminToken = v
	}
	if v := os.Getenv("WALLETBRIDGE_TRANSPORT_ALLOWED_ORIGINS"); v != "" {
		cfg.Transport.AllowedOrigins = splitAndTrim(v, ",")
	}

	if v := os.Getenv("WALLETBRIDGE_CHAIN_ENDPOINT"); v != "" {
		cfg.Chain.Endpoint = v
	}
	if v := os.Getenv("WALLETBRIDGE_CHAIN_API_KEY"); v != "" {
		cfg.Chain.APIKey = v
	}
	if v := os.Getenv("WALLETBRIDGE_CHAIN_GENESIS_HASH"); v != "" {
		cfg.Chain.GenesisHash = v
	}
	if v := os.Getenv("WALLETBRIDGE_CHAIN_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Chain.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("WALLETBRIDGE_CHAIN_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chain.Burst = n
		}
	}
	if v := os.Getenv("WALLETBRIDGE_CHAIN_RESP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Chain.RespTimeout = d
		}
	}

	if v := os.Getenv("WALLETBRIDGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("WALLETBRIDGE_STORE_DEDUPE"); v != "" {
		cfg.Store.Dedupe = v
	}
	if v := os.Getenv("WALLETBRIDGE_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("WALLETBRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Store.RedisPassword = v
	}
	if v := os.Getenv("WALLETBRIDGE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Store.RedisDB = n
		}
	}

	if v := os.Getenv("WALLETBRIDGE_MONITOR_ENABLED"); v == "true" {
		cfg.Monitor.Enabled = true
	} else if v == "false" {
		cfg.Monitor.Enabled = false
	}
	if v := os.Getenv("WALLETBRIDGE_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Monitor.Interval = d
		}
	}

	if v := os.Getenv("WALLETBRIDGE_WALLET_APPROVAL"); v != "" {
		cfg.Wallet.Approval = v
	}
	if v := os.Getenv("WALLETBRIDGE_WALLET_DEFAULT_ACCOUNT"); v != "" {
		cfg.Wallet.DefaultAccount = v
	}
	if v := os.Getenv("WALLETBRIDGE_WALLET_ALLOWED_SITES"); v != "" {
		cfg.Wallet.AllowedSites = splitAndTrim(v, ",")
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Group or world write access lets another user swap the token or endpoint.
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (must not be group or world writable)", path, mode)
	}
	return nil
}
