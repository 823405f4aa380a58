package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletbridge/internal/domain"
	"walletbridge/internal/infra/config"
)

type rpcHandler func(method string, params json.RawMessage) (result any, rpcErr *RPCError)

func newNode(t *testing.T, h rpcHandler) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		result, rpcErr := h(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testConfig(endpoint string) config.ChainConfig {
	cfg := config.Defaults().Chain
	cfg.Endpoint = endpoint
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 100
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInvokeContract(t *testing.T) {
	var gotParams invokeParams
	srv, _ := newNode(t, func(method string, params json.RawMessage) (any, *RPCError) {
		require.Equal(t, methodInvokeContract, method)
		require.NoError(t, json.Unmarshal(params, &gotParams))
		return map[string]any{"tag": "success", "returnValue": "0100", "usedEnergy": "1234"}, nil
	})
	c := NewClient(testConfig(srv.URL), discardLogger())

	res, err := c.InvokeContract(context.Background(), domain.InvokeContractRequest{
		Contract:  domain.ContractAddress{Index: 7, Subindex: 0},
		Method:    "token.balanceOf",
		Parameter: []byte{0x01, 0x00, 0xab},
		Invoker:   "3XSLuJcXg6xEua6iBPnWacc3iWh93yEDMCqX8FbE3RDSbEnT9P",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "0100", res.ReturnValue)
	assert.Equal(t, domain.Uint64(1234), res.UsedEnergy)

	assert.Equal(t, uint64(7), gotParams.Contract.Index)
	assert.Equal(t, "token.balanceOf", gotParams.Method)
	assert.Equal(t, "0100ab", gotParams.Parameter)
	assert.Equal(t, "0", gotParams.Amount)
	assert.Empty(t, gotParams.Energy)
}

func TestInvokeContractNullResult(t *testing.T) {
	srv, _ := newNode(t, func(string, json.RawMessage) (any, *RPCError) { return nil, nil })
	c := NewClient(testConfig(srv.URL), discardLogger())

	res, err := c.InvokeContract(context.Background(), domain.InvokeContractRequest{Method: "x.y"})
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestGetInstanceInfo(t *testing.T) {
	srv, _ := newNode(t, func(method string, params json.RawMessage) (any, *RPCError) {
		var ref contractRef
		require.NoError(t, json.Unmarshal(params, &ref))
		if ref.Index == 404 {
			return nil, nil
		}
		return map[string]any{"name": "init_wCCD", "amount": "0", "methods": []string{"wCCD.balanceOf"}}, nil
	})
	c := NewClient(testConfig(srv.URL), discardLogger())

	info, err := c.GetInstanceInfo(context.Background(), domain.ContractAddress{Index: 1})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "wCCD", info.ContractName())

	missing, err := c.GetInstanceInfo(context.Background(), domain.ContractAddress{Index: 404})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetTransactionStatus(t *testing.T) {
	srv, _ := newNode(t, func(method string, params json.RawMessage) (any, *RPCError) {
		assert.Equal(t, methodGetTransactionStatus, method)
		return map[string]any{"status": "finalized", "outcome": "reject"}, nil
	})
	c := NewClient(testConfig(srv.URL), discardLogger())

	st, err := c.GetTransactionStatus(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.True(t, st.Finalized())
	assert.Equal(t, domain.OutcomeReject, st.Outcome)
	assert.Equal(t, "deadbeef", st.Hash)
}

func TestRPCErrorDoesNotTripBreaker(t *testing.T) {
	srv, hits := newNode(t, func(string, json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "bad contract"}
	})
	cfg := testConfig(srv.URL)
	cfg.CircuitBreaker.MaxFailures = 2
	c := NewClient(cfg, discardLogger())

	for i := 0; i < 5; i++ {
		_, err := c.GetInstanceInfo(context.Background(), domain.ContractAddress{})
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, CodeInvalidParams, rpcErr.Code)
	}
	assert.Equal(t, int32(5), hits.Load())
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.CircuitBreaker.MaxFailures = 2
	cfg.CircuitBreaker.Timeout = time.Minute
	c := NewClient(cfg, discardLogger())

	for i := 0; i < 2; i++ {
		_, err := c.GetTransactionStatus(context.Background(), "h")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrUnavailable)
		assert.True(t, domain.IsRetryableError(err))
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())

	_, err := c.GetTransactionStatus(context.Background(), "h")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, domain.ErrChainRPC)
	assert.Equal(t, int32(2), hits.Load(), "open breaker must not reach the node")
}

func TestHTTPErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusBadGateway, domain.ErrUnavailable},
		{http.StatusUnauthorized, domain.ErrChainRPC},
	}
	for _, tt := range tests {
		err := statusError(tt.status, []byte("body"))
		assert.True(t, errors.Is(err, tt.want), "status %d: %v", tt.status, err)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.APIKey = "node-key"
	c := NewClient(cfg, discardLogger())

	_, err := c.GetTransactionStatus(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, "Bearer node-key", <-gotAuth)
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), discardLogger())
	_, err := c.GetInstanceInfo(context.Background(), domain.ContractAddress{})
	assert.ErrorIs(t, err, domain.ErrChainRPC)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv, hits := newNode(t, func(string, json.RawMessage) (any, *RPCError) { return nil, nil })
	cfg := testConfig(srv.URL)
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	c := NewClient(cfg, discardLogger())

	_, err := c.GetTransactionStatus(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetTransactionStatus(ctx, "second")
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.Equal(t, int32(1), hits.Load())
}

func TestPoolDefaults(t *testing.T) {
	p := poolDefaults(config.PoolConfig{MaxIdleConns: 4})
	assert.Equal(t, 4, p.MaxIdleConnsPerHost, "per-host idle follows the total")
	assert.Equal(t, 16, p.MaxConnsPerHost)
	assert.Equal(t, 90*time.Second, p.IdleConnTimeout)

	c := NewHTTPClient(config.ChainConfig{ConnTimeout: time.Second, RespTimeout: 2 * time.Second})
	assert.Equal(t, 3*time.Second, c.Timeout)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, tr.ResponseHeaderTimeout)
	assert.Equal(t, 10, tr.MaxIdleConns)
}
