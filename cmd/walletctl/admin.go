package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"walletbridge/internal/usecase/wallet"
)

// adminClient talks to the /admin routes of a running walletd.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *cli) adminCmd() *cobra.Command {
	var daemon string
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Change the state of a running walletd",
		Long: `Drives the operator API of a running walletd. Connected pages are
notified of every change through accountChanged, chainChanged and
accountDisconnected events. Requires transport.admin_token.`,
	}
	cmd.PersistentFlags().StringVar(&daemon, "daemon", "", "walletd base URL (default from transport.addr)")

	client := func() (*adminClient, error) {
		cfg, err := c.loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Transport.AdminToken == "" {
			return nil, errors.New("transport.admin_token is not set")
		}
		base := daemon
		if base == "" {
			base = daemonURL(cfg.Transport.Addr)
		}
		return &adminClient{base: strings.TrimRight(base, "/"), token: cfg.Transport.AdminToken, http: &http.Client{Timeout: c.timeout}}, nil
	}

	state := func(cmd *cobra.Command, path string, body any) error {
		ac, err := client()
		if err != nil {
			return err
		}
		var out struct {
			Account string `json:"account"`
			Genesis string `json:"genesis"`
		}
		if err := ac.do(cmd, http.MethodPost, path, body, &out); err != nil {
			return err
		}
		if c.jsonOutput {
			return printJSON(cmd.OutOrStdout(), out)
		}
		successColor.Fprint(cmd.OutOrStdout(), "✓ ")
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s %s\n", keyColor.Sprint("account"), out.Account, keyColor.Sprint("genesis"), out.Genesis)
		return nil
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "select-account <address>",
			Short: "Select the wallet account shown to pages",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return state(cmd, "/admin/account", map[string]string{"account": args[0]})
			},
		},
		&cobra.Command{
			Use:   "switch-network <genesis-hash>",
			Short: "Switch the wallet to another network",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return state(cmd, "/admin/network", map[string]string{"genesis_hash": args[0]})
			},
		},
		&cobra.Command{
			Use:   "revoke-site <origin> [account]",
			Short: "Disconnect a site from the wallet",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ac, err := client()
				if err != nil {
					return err
				}
				req := map[string]string{"origin": args[0]}
				if len(args) == 2 {
					req["account"] = args[1]
				}
				if err := ac.do(cmd, http.MethodPost, "/admin/sites/revoke", req, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "receipts",
			Short: "List receipts of recently finalized transactions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ac, err := client()
				if err != nil {
					return err
				}
				var receipts []wallet.Receipt
				if err := ac.do(cmd, http.MethodGet, "/admin/receipts", nil, &receipts); err != nil {
					return err
				}
				if c.jsonOutput {
					return printJSON(cmd.OutOrStdout(), receipts)
				}
				if len(receipts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No finalized transactions yet")
					return nil
				}
				return printReceiptsTable(cmd.OutOrStdout(), receipts)
			},
		},
	)
	return cmd
}

// daemonURL turns a listen address into a URL reachable from this host.
func daemonURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (a *adminClient) do(cmd *cobra.Command, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, a.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("walletd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("walletd answered %d: %s", resp.StatusCode, e.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printReceiptsTable(w io.Writer, receipts []wallet.Receipt) error {
	table := tablewriter.NewWriter(w)
	table.Header("Transaction", "Outcome", "Genesis", "Finalized")
	for _, r := range receipts {
		if err := table.Append(r.Hash, string(r.Outcome), truncate(r.GenesisHash, 16), r.At.Local().Format("2006-01-02 15:04:05")); err != nil {
			return err
		}
	}
	return table.Render()
}
