// Package chain talks to a node's JSON-RPC gateway.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"walletbridge/internal/domain"
	"walletbridge/internal/infra/config"
	"walletbridge/internal/infra/tracer"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// RPC method names.
const (
	methodInvokeContract       = "invokeContract"
	methodGetInstanceInfo      = "getInstanceInfo"
	methodGetTransactionStatus = "getTransactionStatus"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client implements domain.ChainClient over JSON-RPC 2.0. Calls are rate
// limited and routed through a circuit breaker so a failing node is not
// hammered by the monitors.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[json.RawMessage]
	nextID   atomic.Uint64
	logger   *slog.Logger
}

var _ domain.ChainClient = (*Client)(nil)

// NewClient builds a client for cfg.Endpoint.
func NewClient(cfg config.ChainConfig, logger *slog.Logger, opts ...Option) *Client {
	maxFailures := cfg.CircuitBreaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.CircuitBreaker.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.CircuitBreaker.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}
	rps := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		rps = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     NewHTTPClient(cfg),
		limiter:  rate.NewLimiter(rps, burst),
		logger:   logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "chain:" + cfg.Endpoint,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// The node answered; an error object says nothing about its health.
			var rpcErr *RPCError
			return err == nil || errors.As(err, &rpcErr) || errors.Is(err, context.Canceled)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call performs one JSON-RPC round trip and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "chain."+method, trace.WithAttributes(tracer.StringAttr("rpc.method", method)))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		err = fmt.Errorf("%w: %s: %w", domain.ErrRateLimit, method, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s params: %w", domain.ErrInvalidInput, method, err)
	}

	result, err := c.breaker.Execute(func() (json.RawMessage, error) {
		respBody, err := c.post(ctx, body)
		if err != nil {
			return nil, err
		}
		var resp rpcResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("%w: decode %s response: %w", domain.ErrChainRPC, method, err)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: node %q circuit open: %w", domain.ErrChainRPC, c.endpoint, err)
		}
		tracer.RecordError(span, err)
		c.logger.Debug("chain rpc failed", "method", method, "id", id, "error", err)
		return nil, err
	}
	tracer.SetOK(span)
	return result, nil
}

// InvokeContract dry-runs a contract entrypoint. A null result is returned
// as nil.
func (c *Client) InvokeContract(ctx context.Context, req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
	params := invokeParams{
		Contract:  contractRef{Index: req.Contract.Index, Subindex: req.Contract.Subindex},
		Method:    req.Method,
		Parameter: hex.EncodeToString(req.Parameter),
		Invoker:   req.Invoker,
		Amount:    strconv.FormatUint(uint64(req.Amount), 10),
	}
	if req.Energy > 0 {
		params.Energy = strconv.FormatUint(uint64(req.Energy), 10)
	}

	raw, err := c.call(ctx, methodInvokeContract, params)
	if err != nil {
		return nil, domain.WrapOp("chain.InvokeContract", err)
	}
	if isNull(raw) {
		return nil, nil
	}
	var res domain.InvokeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, domain.WrapOp("chain.InvokeContract", fmt.Errorf("%w: decode result: %w", domain.ErrChainRPC, err))
	}
	return &res, nil
}

// GetInstanceInfo returns nil, nil when the instance does not exist.
func (c *Client) GetInstanceInfo(ctx context.Context, addr domain.ContractAddress) (*domain.InstanceInfo, error) {
	raw, err := c.call(ctx, methodGetInstanceInfo, contractRef{Index: addr.Index, Subindex: addr.Subindex})
	if err != nil {
		return nil, domain.WrapOp("chain.GetInstanceInfo", err)
	}
	if isNull(raw) {
		return nil, nil
	}
	var info domain.InstanceInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, domain.WrapOp("chain.GetInstanceInfo", fmt.Errorf("%w: decode result: %w", domain.ErrChainRPC, err))
	}
	return &info, nil
}

// GetTransactionStatus returns nil, nil for a hash the node has never seen.
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (*domain.TransactionStatus, error) {
	raw, err := c.call(ctx, methodGetTransactionStatus, transactionParams{Hash: hash})
	if err != nil {
		return nil, domain.WrapOp("chain.GetTransactionStatus", err)
	}
	if isNull(raw) {
		return nil, nil
	}
	var st domain.TransactionStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, domain.WrapOp("chain.GetTransactionStatus", fmt.Errorf("%w: decode result: %w", domain.ErrChainRPC, err))
	}
	if st.Hash == "" {
		st.Hash = hash
	}
	return &st, nil
}

// State returns the current circuit breaker state for monitoring.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (c *Client) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}
