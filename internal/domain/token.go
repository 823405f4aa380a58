package domain

import (
	"fmt"
	"strings"
	"time"
)

// ContractDetails identifies a resolved CIS-2 contract instance. Immutable
// once resolved.
type ContractDetails struct {
	ContractName string `json:"contractName" yaml:"contract_name"`
	Index        Uint64 `json:"index" yaml:"index"`
	Subindex     Uint64 `json:"subindex" yaml:"subindex"`
}

// Address returns the on-chain address of the instance.
func (c ContractDetails) Address() ContractAddress {
	return ContractAddress{Index: uint64(c.Index), Subindex: uint64(c.Subindex)}
}

// ContractAddress is the (index, subindex) pair of a contract instance.
type ContractAddress struct {
	Index    uint64 `json:"index"`
	Subindex uint64 `json:"subindex"`
}

func (a ContractAddress) String() string {
	return fmt.Sprintf("<%d,%d>", a.Index, a.Subindex)
}

// MetadataURL points at a token metadata document. Hash is an optional
// hex-encoded SHA-256 of the document.
type MetadataURL struct {
	URL  string `json:"url"`
	Hash string `json:"hash,omitempty"`
}

// TokenMetadata is the JSON document a CIS-2 metadata URL resolves to.
// Decimals is a string in the wild as often as it is a number, so it is
// decoded into a Uint64 which accepts both.
type TokenMetadata struct {
	Name        string       `json:"name,omitempty"`
	Symbol      string       `json:"symbol,omitempty"`
	Decimals    *Uint64      `json:"decimals,omitempty"`
	Description string       `json:"description,omitempty"`
	Unique      bool         `json:"unique,omitempty"`
	Thumbnail   *MetadataURL `json:"thumbnail,omitempty"`
	Display     *MetadataURL `json:"display,omitempty"`
	Artifact    *MetadataURL `json:"artifact,omitempty"`
}

// Validate checks the fields a wallet relies on when rendering a token.
func (m TokenMetadata) Validate() error {
	for name, u := range map[string]*MetadataURL{
		"thumbnail": m.Thumbnail,
		"display":   m.Display,
		"artifact":  m.Artifact,
	} {
		if u != nil && strings.TrimSpace(u.URL) == "" {
			return fmt.Errorf("%w: %s url is empty", ErrInvalidMetadata, name)
		}
	}
	if m.Decimals != nil && *m.Decimals > 255 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidMetadata, *m.Decimals)
	}
	return nil
}

// TokenIdentifier is a token tracked by the wallet. Unique by
// (ContractIndex, ID).
type TokenIdentifier struct {
	ContractIndex uint64        `json:"contractIndex"`
	ID            string        `json:"id"`
	MetadataURL   string        `json:"metadataLink"`
	Metadata      TokenMetadata `json:"metadata"`
	Account       string        `json:"account,omitempty"`
	AddedAt       time.Time     `json:"addedAt"`
}

// Key returns the uniqueness key of the token.
func (t TokenIdentifier) Key() string {
	return fmt.Sprintf("%d/%s", t.ContractIndex, strings.ToLower(t.ID))
}

// EnergyEstimate is the result of a transfer cost estimation.
type EnergyEstimate struct {
	Execution uint64 `json:"execution"`
	Total     uint64 `json:"total"`
}
