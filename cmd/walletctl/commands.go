package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"walletbridge/internal/domain"
	"walletbridge/internal/infra/config"
	"walletbridge/internal/usecase/token"
)

type confirmResult struct {
	Contract string `json:"contract"`
	Name     string `json:"name"`
	Support  string `json:"support"`
}

func (c *cli) confirmCmd() *cobra.Command {
	var subindex uint64
	cmd := &cobra.Command{
		Use:   "confirm <index>",
		Short: "Check that a contract implements CIS-2",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0], "contract index")
			if err != nil {
				return err
			}
			svc, err := c.tokenService(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()

			details, err := resolveContract(ctx, svc, index, subindex)
			if err != nil {
				return err
			}
			support := svc.ConfirmCIS2(ctx, details)

			out := cmd.OutOrStdout()
			if c.jsonOutput {
				if err := printJSON(out, confirmResult{
					Contract: details.Address().String(),
					Name:     details.ContractName,
					Support:  support.String(),
				}); err != nil {
					return err
				}
			} else if support == token.SupportOK {
				successColor.Fprintf(out, "✓ %s (%s) supports CIS-2\n", details.Address(), details.ContractName)
			}
			return support.Err()
		},
	}
	cmd.Flags().Uint64Var(&subindex, "subindex", 0, "Contract subindex")
	return cmd
}

// resolveContract looks up the contract name of an instance.
func resolveContract(ctx context.Context, svc *token.Service, index, subindex uint64) (domain.ContractDetails, error) {
	name, err := svc.FetchContractName(ctx, index, subindex)
	if err != nil {
		return domain.ContractDetails{}, err
	}
	if name == "" {
		return domain.ContractDetails{}, fmt.Errorf("%w: <%d,%d>", domain.ErrInstanceNotFound, index, subindex)
	}
	return domain.ContractDetails{ContractName: name, Index: domain.Uint64(index), Subindex: domain.Uint64(subindex)}, nil
}

func (c *cli) balancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances <index> <account> <token-id>...",
		Short: "Show an account's balance of CIS-2 tokens",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0], "contract index")
			if err != nil {
				return err
			}
			account, ids := args[1], args[2:]

			svc, err := c.tokenService(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()

			balances, err := svc.FetchBalances(ctx, index, ids, account)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return printJSON(cmd.OutOrStdout(), balances)
			}
			if len(balances) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No balances for contract %d\n", index)
				return nil
			}
			return printBalancesTable(cmd.OutOrStdout(), ids, balances)
		},
	}
}

type metadataResult struct {
	ID       string                `json:"id"`
	URL      string                `json:"url"`
	Metadata *domain.TokenMetadata `json:"metadata,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func (c *cli) metadataCmd() *cobra.Command {
	var (
		subindex uint64
		urlOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "metadata <index> <token-id>...",
		Short: "Resolve and fetch CIS-2 token metadata",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0], "contract index")
			if err != nil {
				return err
			}
			svc, err := c.tokenService(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()

			details, err := resolveContract(ctx, svc, index, subindex)
			if err != nil {
				return err
			}

			var (
				results []metadataResult
				errs    []error
			)
			for _, id := range args[1:] {
				res := metadataResult{ID: id}
				url, err := svc.ResolveTokenMetadataURL(ctx, id, details)
				if err != nil {
					res.Error = err.Error()
					errs = append(errs, fmt.Errorf("token %s: %w", id, err))
					results = append(results, res)
					continue
				}
				res.URL = url
				if !urlOnly {
					md, err := svc.FetchTokenMetadata(ctx, url)
					if err != nil {
						res.Error = err.Error()
						errs = append(errs, fmt.Errorf("token %s: %w", id, err))
					} else {
						res.Metadata = &md
					}
				}
				results = append(results, res)
			}

			if c.jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else if err := printMetadataTable(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().Uint64Var(&subindex, "subindex", 0, "Contract subindex")
	cmd.Flags().BoolVar(&urlOnly, "url-only", false, "Only resolve metadata URLs")
	return cmd
}

func (c *cli) energyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "energy <index> <from> <to> <token-id>",
		Short: "Estimate the energy of a CIS-2 transfer",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0], "contract index")
			if err != nil {
				return err
			}
			svc, err := c.tokenService(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := c.requestContext(cmd)
			defer cancel()

			est, err := svc.EstimateTransferEnergy(ctx, args[1], args[2], args[3], index)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if c.jsonOutput {
				return printJSON(out, est)
			}
			keyColor.Fprint(out, "Execution energy: ")
			fmt.Fprintln(out, est.Execution)
			keyColor.Fprint(out, "Total energy:     ")
			fmt.Fprintln(out, est.Total)
			return nil
		},
	}
}

func (c *cli) tokensCmd() *cobra.Command {
	var contract uint64
	cmd := &cobra.Command{
		Use:   "tokens <account>",
		Short: "List the tokens stored for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			tokens, err := db.ListTokens(cmd.Context(), args[0], contract)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return printJSON(cmd.OutOrStdout(), tokens)
			}
			if len(tokens) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No tokens stored for %s in contract %d\n", args[0], contract)
				return nil
			}
			return printTokensTable(cmd.OutOrStdout(), tokens)
		},
	}
	cmd.Flags().Uint64Var(&contract, "contract", 0, "Contract index")
	_ = cmd.MarkFlagRequired("contract")
	return cmd
}

func (c *cli) sitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites [account]",
		Short: "List sites allowed to connect",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			var account string
			if len(args) == 1 {
				account = args[0]
			}
			sites, err := db.ListSites(cmd.Context(), account)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return printJSON(cmd.OutOrStdout(), sites)
			}
			if len(sites) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No connected sites")
				return nil
			}
			return printSitesTable(cmd.OutOrStdout(), sites)
		},
	}
}

func (c *cli) encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a config secret with WALLETBRIDGE_CONFIG_KEY",
		Long: `Encrypts a value for chain.api_key, transport.token,
transport.admin_token or store.redis_password. Paste the output into the config file; walletd
decrypts it when WALLETBRIDGE_CONFIG_KEY is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("WALLETBRIDGE_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("WALLETBRIDGE_CONFIG_KEY is not set")
			}
			sealed, err := config.SealSecret(args[0], passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
}
