package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"walletbridge/internal/adapter/chain"
	"walletbridge/internal/adapter/store"
	"walletbridge/internal/infra/config"
	"walletbridge/internal/infra/logger"
	"walletbridge/internal/usecase/token"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	keyColor     = color.New(color.FgYellow)
)

// cli holds the global flags shared by every command.
type cli struct {
	configPath string
	endpoint   string
	timeout    time.Duration
	jsonOutput bool
	noColor    bool
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printError(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "walletctl",
		Short: "walletctl - inspect CIS-2 tokens and the local wallet store",
		Long: `walletctl queries CIS-2 token contracts through the chain gateway
walletd uses, reads the tokens and connected sites walletd stored, and
drives a running walletd through its admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if c.noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", defaultConfigPath(), "Config file path")
	root.PersistentFlags().StringVar(&c.endpoint, "endpoint", "", "Chain gateway URL (overrides chain.endpoint)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")
	root.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		c.confirmCmd(),
		c.balancesCmd(),
		c.metadataCmd(),
		c.energyCmd(),
		c.tokensCmd(),
		c.sitesCmd(),
		c.encryptCmd(),
		c.adminCmd(),
	)

	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("WALLETBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "walletbridge.yaml"
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if c.endpoint != "" {
		cfg.Chain.Endpoint = c.endpoint
	}
	if c.debug {
		cfg.Logger.Level = "debug"
	}
	return cfg, nil
}

func (c *cli) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	return logger.NewWriter(cmd.ErrOrStderr(), cfg.Logger)
}

// tokenService builds a token client against the configured chain gateway.
func (c *cli) tokenService(cmd *cobra.Command) (*token.Service, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	log := c.logger(cmd, cfg)
	client := chain.NewClient(cfg.Chain, log)
	fetcher := token.NewMetadataFetcher(&http.Client{Timeout: cfg.Wallet.MetadataTimeout}, cfg.Wallet.MaxMetadataBytes)
	return token.NewService(client, log, token.WithMetadataFetcher(fetcher)), nil
}

// openStore opens the wallet database walletd writes to.
func (c *cli) openStore() (*store.SQLite, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Path)
}

func (c *cli) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), c.timeout)
}

func parseIndex(s, what string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: must be an unsigned integer", what, s)
	}
	return v, nil
}

func printJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printError(w io.Writer, msg string) {
	if color.NoColor {
		fmt.Fprintln(w, "Error:", msg)
		return
	}
	errorColor.Fprint(w, "✗ Error: ")
	fmt.Fprintln(w, msg)
}
