package chain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"walletbridge/internal/domain"
	"walletbridge/internal/infra/config"
)

// A node answer larger than this is treated as a broken response.
const maxResponseBody = 4 << 20

// errorSnippet bounds how much of a failed response ends up in an error.
const errorSnippet = 512

// poolDefaults fills the zero fields of p. A wallet talks to one node, so
// the per-host limits are the ones that matter.
func poolDefaults(p config.PoolConfig) config.PoolConfig {
	if p.MaxIdleConns <= 0 {
		p.MaxIdleConns = 10
	}
	if p.MaxIdleConnsPerHost <= 0 {
		p.MaxIdleConnsPerHost = p.MaxIdleConns
	}
	if p.MaxConnsPerHost <= 0 {
		p.MaxConnsPerHost = 16
	}
	if p.IdleConnTimeout <= 0 {
		p.IdleConnTimeout = 90 * time.Second
	}
	return p
}

// NewHTTPClient builds the pooled HTTP client used for node RPC. The overall
// timeout covers dialing plus waiting for response headers.
func NewHTTPClient(cfg config.ChainConfig) *http.Client {
	dial, wait := cfg.ConnTimeout, cfg.RespTimeout
	if dial <= 0 {
		dial = 10 * time.Second
	}
	if wait <= 0 {
		wait = 30 * time.Second
	}
	pool := poolDefaults(cfg.Pool)

	return &http.Client{
		Timeout: dial + wait,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   dial,
			ResponseHeaderTimeout: wait,
			MaxIdleConns:          pool.MaxIdleConns,
			MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:       pool.MaxConnsPerHost,
			IdleConnTimeout:       pool.IdleConnTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// post sends one JSON-RPC frame to the node and returns the raw answer.
func (c *Client) post(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrChainRPC, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading node response: %w", domain.ErrChainRPC, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// statusError classifies a non-200 node answer. Throttling and gateway
// failures keep their own sentinels so callers can back off.
func statusError(code int, body []byte) error {
	if len(body) > errorSnippet {
		body = body[:errorSnippet]
	}
	msg := fmt.Sprintf("node answered %d %s: %s", code, http.StatusText(code), bytes.TrimSpace(body))

	switch code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w: %s", domain.ErrChainRPC, domain.ErrUnavailable, msg)
	}
	return fmt.Errorf("%w: %s", domain.ErrChainRPC, msg)
}
