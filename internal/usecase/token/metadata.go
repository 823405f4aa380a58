package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"walletbridge/internal/domain"
)

const (
	defaultMaxMetadataBytes = 1 << 20
	defaultMetadataTimeout  = 10 * time.Second
)

// MetadataFetcher downloads CIS-2 token metadata documents.
type MetadataFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewMetadataFetcher creates a fetcher. A nil client gets a default one with
// a 10s timeout; maxBytes <= 0 caps documents at 1 MiB.
func NewMetadataFetcher(client *http.Client, maxBytes int64) *MetadataFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultMetadataTimeout}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxMetadataBytes
	}
	return &MetadataFetcher{client: client, maxBytes: maxBytes}
}

// Fetch GETs rawURL and decodes it as token metadata. Decimals must be
// numeric and any present url field must be non-empty.
func (f *MetadataFetcher) Fetch(ctx context.Context, rawURL string) (domain.TokenMetadata, error) {
	var meta domain.TokenMetadata

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return meta, domain.NewDomainError("token.FetchTokenMetadata", domain.ErrInvalidMetadata, "unsupported url "+rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return meta, domain.WrapOp("token.FetchTokenMetadata", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return meta, domain.NewDomainError("token.FetchTokenMetadata", domain.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return meta, domain.NewDomainError("token.FetchTokenMetadata", domain.ErrUnavailable,
			fmt.Sprintf("status %d from %s", resp.StatusCode, u.Host))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return meta, domain.NewDomainError("token.FetchTokenMetadata", domain.ErrUnavailable, err.Error())
	}
	if int64(len(body)) > f.maxBytes {
		return meta, domain.NewDomainError("token.FetchTokenMetadata", domain.ErrInvalidMetadata,
			fmt.Sprintf("document exceeds %d bytes", f.maxBytes))
	}

	if err := json.Unmarshal(body, &meta); err != nil {
		return domain.TokenMetadata{}, domain.NewDomainError("token.FetchTokenMetadata", domain.ErrInvalidMetadata, err.Error())
	}
	if err := meta.Validate(); err != nil {
		return domain.TokenMetadata{}, domain.WrapOp("token.FetchTokenMetadata", err)
	}
	return meta, nil
}
