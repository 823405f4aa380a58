package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"walletbridge/internal/domain"
)

func printBalancesTable(w io.Writer, ids []string, balances domain.BalanceMap) error {
	table := tablewriter.NewWriter(w)
	table.Header("Token ID", "Balance")
	for _, id := range ids {
		b, ok := balances[id]
		if !ok {
			b, ok = balances[strings.ToLower(id)]
		}
		if !ok {
			continue
		}
		if err := table.Append(displayID(id), b.String()); err != nil {
			return err
		}
	}
	return table.Render()
}

func printMetadataTable(w io.Writer, results []metadataResult) error {
	table := tablewriter.NewWriter(w)
	table.Header("Token ID", "Name", "Symbol", "Decimals", "URL")
	for _, r := range results {
		var name, symbol, decimals string
		if r.Metadata != nil {
			name, symbol = truncate(r.Metadata.Name, 24), r.Metadata.Symbol
			if r.Metadata.Decimals != nil {
				decimals = fmt.Sprintf("%d", *r.Metadata.Decimals)
			}
		}
		if r.Error != "" && r.Metadata == nil {
			name = "error: " + truncate(r.Error, 40)
		}
		if err := table.Append(displayID(r.ID), name, symbol, decimals, truncate(r.URL, 48)); err != nil {
			return err
		}
	}
	return table.Render()
}

func printTokensTable(w io.Writer, tokens []domain.TokenIdentifier) error {
	table := tablewriter.NewWriter(w)
	table.Header("Token ID", "Name", "Symbol", "Metadata URL", "Added")
	for _, t := range tokens {
		if err := table.Append(
			displayID(t.ID),
			truncate(t.Metadata.Name, 24),
			t.Metadata.Symbol,
			truncate(t.MetadataURL, 48),
			t.AddedAt.Local().Format("2006-01-02 15:04"),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func printSitesTable(w io.Writer, sites []domain.ConnectedSite) error {
	table := tablewriter.NewWriter(w)
	table.Header("Origin", "Account", "Connected")
	for _, s := range sites {
		if err := table.Append(s.Origin, truncate(s.Account, 20), s.ConnectedAt.Local().Format("2006-01-02 15:04")); err != nil {
			return err
		}
	}
	return table.Render()
}

// displayID renders the empty token id of single-token contracts.
func displayID(id string) string {
	if id == "" {
		return "(empty)"
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
