package token

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletbridge/internal/domain"
	"walletbridge/pkg/cis2"
)

// fakeChain answers invocations by method suffix.
type fakeChain struct {
	mu        sync.Mutex
	instances map[uint64]*domain.InstanceInfo
	invoke    func(req domain.InvokeContractRequest) (*domain.InvokeResult, error)
	calls     []domain.InvokeContractRequest
}

func (f *fakeChain) InvokeContract(_ context.Context, req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.invoke == nil {
		return nil, nil
	}
	return f.invoke(req)
}

func (f *fakeChain) GetInstanceInfo(_ context.Context, addr domain.ContractAddress) (*domain.InstanceInfo, error) {
	return f.instances[addr.Index], nil
}

func (f *fakeChain) GetTransactionStatus(context.Context, string) (*domain.TransactionStatus, error) {
	return nil, nil
}

func (f *fakeChain) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func success(returnValue string) *domain.InvokeResult {
	return &domain.InvokeResult{Tag: domain.InvokeSuccess, ReturnValue: returnValue}
}

func account(fill byte) string {
	var a cis2.AccountAddress
	for i := range a {
		a[i] = fill
	}
	return a.String()
}

func metadataReturn(url string) string {
	buf := []byte{0x01, 0x00}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(url)))
	buf = append(buf, url...)
	buf = append(buf, 0x00)
	return hex.EncodeToString(buf)
}

func newTestService(chain domain.ChainClient, opts ...Option) *Service {
	return NewService(chain, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

var wccd = domain.ContractDetails{ContractName: "cis2_wCCD", Index: 2059}

func TestConfirmCIS2(t *testing.T) {
	tests := []struct {
		name   string
		result *domain.InvokeResult
		err    error
		want   Support
	}{
		{"supported", success("010001"), nil, SupportOK},
		{"missing result", nil, nil, SupportCIS0Unsupported},
		{"failure tag", &domain.InvokeResult{Tag: domain.InvokeFailure}, nil, SupportCIS0Unsupported},
		{"rpc error", nil, errors.New("boom"), SupportCIS0Unsupported},
		{"not supported answer", success("010000"), nil, SupportCIS2Unsupported},
		{"supported by other contract", success("01000201"), nil, SupportCIS2Unsupported},
		{"empty return", success(""), nil, SupportCIS2Unsupported},
		{"not hex", success("zz"), nil, SupportCIS2Unsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{invoke: func(req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
				return tt.result, tt.err
			}}
			assert.Equal(t, tt.want, newTestService(chain).ConfirmCIS2(context.Background(), wccd))
		})
	}
}

func TestConfirmCIS2SendsIdentifierTag(t *testing.T) {
	chain := &fakeChain{invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		return success("010001"), nil
	}}
	newTestService(chain).ConfirmCIS2(context.Background(), wccd)

	require.Len(t, chain.calls, 1)
	assert.Equal(t, "cis2_wCCD.supports", chain.calls[0].Method)
	assert.Equal(t, []byte{0x01, 0x00, 0x05, 'C', 'I', 'S', '-', '2'}, chain.calls[0].Parameter)
	assert.Equal(t, domain.ContractAddress{Index: 2059}, chain.calls[0].Contract)
}

func TestSupportErr(t *testing.T) {
	assert.NoError(t, SupportOK.Err())
	assert.ErrorIs(t, SupportCIS0Unsupported.Err(), domain.ErrCIS0Unsupported)
	assert.ErrorIs(t, SupportCIS2Unsupported.Err(), domain.ErrCIS2Unsupported)
	assert.Equal(t, "cis2_unsupported", SupportCIS2Unsupported.String())
}

func TestResolveTokenMetadataURL(t *testing.T) {
	chain := &fakeChain{invoke: func(req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		if req.Parameter[3] == 0xff {
			return &domain.InvokeResult{Tag: domain.InvokeFailure}, nil
		}
		return success(metadataReturn("https://meta.example/ab.json")), nil
	}}
	svc := newTestService(chain)

	url, err := svc.ResolveTokenMetadataURL(context.Background(), "ab", wccd)
	require.NoError(t, err)
	assert.Equal(t, "https://meta.example/ab.json", url)
	assert.Equal(t, "cis2_wCCD.tokenMetadata", chain.calls[0].Method)
	assert.Equal(t, []byte{0x01, 0x00, 0x01, 0xab}, chain.calls[0].Parameter)

	_, err = svc.ResolveTokenMetadataURL(context.Background(), "ff", wccd)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)

	_, err = svc.ResolveTokenMetadataURL(context.Background(), "xyz", wccd)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.CodeTokenIDInvalid, domain.ErrorCodeOf(err))
}

func TestResolveTokenMetadataURLMissingReturnValue(t *testing.T) {
	chain := &fakeChain{invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		return success(""), nil
	}}
	_, err := newTestService(chain).ResolveTokenMetadataURL(context.Background(), "01", wccd)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestResolveTokenMetadataURLTruncated(t *testing.T) {
	chain := &fakeChain{invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		return success("01001000616263"), nil
	}}
	_, err := newTestService(chain).ResolveTokenMetadataURL(context.Background(), "01", wccd)
	assert.ErrorIs(t, err, cis2.ErrDecode)
}

func TestFetchBalances(t *testing.T) {
	chain := &fakeChain{
		instances: map[uint64]*domain.InstanceInfo{7: {Name: "init_cis2_multi"}},
		invoke: func(req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
			// 300 and 16384 as LEB128.
			return success("0200ac02808001"), nil
		},
	}
	owner := account(0x42)

	got, err := newTestService(chain).FetchBalances(context.Background(), 7, []string{"01", "02"}, owner)
	require.NoError(t, err)
	assert.Equal(t, "300", got["01"].String())
	assert.Equal(t, "16384", got["02"].String())

	require.Len(t, chain.calls, 1)
	assert.Equal(t, "cis2_multi.balanceOf", chain.calls[0].Method)
	param := chain.calls[0].Parameter
	assert.Equal(t, []byte{0x02, 0x00, 0x01, 0x01, 0x00}, param[:5])
	assert.Len(t, param, 2+2*(1+1+1+32))
}

func TestFetchBalancesCountMismatch(t *testing.T) {
	chain := &fakeChain{
		instances: map[uint64]*domain.InstanceInfo{7: {Name: "init_cis2_multi"}},
		invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
			return success("010005"), nil
		},
	}
	_, err := newTestService(chain).FetchBalances(context.Background(), 7, []string{"01", "02"}, account(1))
	assert.ErrorIs(t, err, domain.ErrBalanceMismatch)
	assert.Equal(t, domain.CodeBalanceMismatch, domain.ErrorCodeOf(err))
}

func TestFetchBalancesEmptyResults(t *testing.T) {
	t.Run("unknown instance", func(t *testing.T) {
		chain := &fakeChain{}
		got, err := newTestService(chain).FetchBalances(context.Background(), 9, []string{"01"}, account(1))
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Zero(t, chain.invocations())
	})
	t.Run("failed invocation", func(t *testing.T) {
		chain := &fakeChain{
			instances: map[uint64]*domain.InstanceInfo{7: {Name: "init_x"}},
			invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
				return &domain.InvokeResult{Tag: domain.InvokeFailure}, nil
			},
		}
		got, err := newTestService(chain).FetchBalances(context.Background(), 7, []string{"01"}, account(1))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
	t.Run("no token ids", func(t *testing.T) {
		chain := &fakeChain{}
		got, err := newTestService(chain).FetchBalances(context.Background(), 7, nil, "garbage")
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
		assert.Zero(t, chain.invocations())
	})
}

func TestFetchBalancesBadAccount(t *testing.T) {
	_, err := newTestService(&fakeChain{}).FetchBalances(context.Background(), 7, []string{"01"}, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, domain.CodeAddressInvalid, domain.ErrorCodeOf(err))
}

func TestFetchBalancesOverrunIsDecodeError(t *testing.T) {
	chain := &fakeChain{
		instances: map[uint64]*domain.InstanceInfo{7: {Name: "init_x"}},
		invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
			return success("020080"), nil
		},
	}
	_, err := newTestService(chain).FetchBalances(context.Background(), 7, []string{"01", "02"}, account(1))
	assert.ErrorIs(t, err, cis2.ErrDecode)
	assert.NotErrorIs(t, err, domain.ErrBalanceMismatch)
}

func TestEstimateTransferEnergy(t *testing.T) {
	from, to := account(0x11), account(0x22)
	chain := &fakeChain{
		instances: map[uint64]*domain.InstanceInfo{5: {Name: "init_cis2_multi"}},
		invoke: func(req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
			return &domain.InvokeResult{Tag: domain.InvokeSuccess, UsedEnergy: 1000}, nil
		},
	}

	est, err := newTestService(chain).EstimateTransferEnergy(context.Background(), from, to, "00", 5)
	require.NoError(t, err)

	require.Len(t, chain.calls, 1)
	call := chain.calls[0]
	assert.Equal(t, "cis2_multi.transfer", call.Method)
	assert.Equal(t, from, call.Invoker)
	require.Len(t, call.Parameter, 73)

	// payload = 8+8+8+2+73+2+len("cis2_multi")+9 = 120
	assert.Equal(t, uint64(1200), est.Execution)
	assert.Equal(t, uint64(100+60+120+1200), est.Total)
}

func TestEstimateTransferEnergyFailure(t *testing.T) {
	chain := &fakeChain{
		instances: map[uint64]*domain.InstanceInfo{5: {Name: "init_cis2_multi"}},
		invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
			return &domain.InvokeResult{Tag: domain.InvokeFailure, Reason: "insufficient funds"}, nil
		},
	}
	_, err := newTestService(chain).EstimateTransferEnergy(context.Background(), account(1), account(2), "00", 5)
	assert.ErrorIs(t, err, domain.ErrInvocationFailed)

	_, err = newTestService(chain).EstimateTransferEnergy(context.Background(), "bad", account(2), "00", 5)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTransactionEnergyCost(t *testing.T) {
	assert.Equal(t, uint64(100+60+0), TransactionEnergyCost(1, 0, 0))
	assert.Equal(t, uint64(200+60+50+7), TransactionEnergyCost(2, 50, 7))
	assert.Equal(t, uint64(8+8+8+2+10+2+4+9), TransferPayloadSize(10, "abcd"))
}

func TestFetchContractName(t *testing.T) {
	chain := &fakeChain{instances: map[uint64]*domain.InstanceInfo{1: {Name: "init_wCCD"}}}
	svc := newTestService(chain)

	name, err := svc.FetchContractName(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "wCCD", name)

	name, err = svc.FetchContractName(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Empty(t, name)
}

type memTokenStore struct {
	mu     sync.Mutex
	saved  map[string][]domain.TokenIdentifier
	failOn error
}

func (m *memTokenStore) SaveTokens(_ context.Context, acc string, tokens []domain.TokenIdentifier) error {
	if m.failOn != nil {
		return m.failOn
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[acc] = append(m.saved[acc], tokens...)
	return nil
}

func (m *memTokenStore) ListTokens(_ context.Context, acc string, _ uint64) ([]domain.TokenIdentifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[acc], nil
}

func (m *memTokenStore) RemoveToken(context.Context, string, uint64, string) error { return nil }

func metadataServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bad.json":
			_, _ = w.Write([]byte(`{"name":"bad","thumbnail":{"url":""}}`))
		case "/missing.json":
			http.NotFound(w, r)
		default:
			id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
			_, _ = fmt.Fprintf(w, `{"name":"Token %s","symbol":"T%s","decimals":"6"}`, id, id)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAddTokens(t *testing.T) {
	srv := metadataServer(t)
	chain := &fakeChain{invoke: func(req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		if strings.HasSuffix(req.Method, ".supports") {
			return success("010001"), nil
		}
		id := hex.EncodeToString(req.Parameter[3:])
		return success(metadataReturn(srv.URL + "/" + id + ".json")), nil
	}}
	store := &memTokenStore{saved: map[string][]domain.TokenIdentifier{}}
	svc := newTestService(chain, WithTokenStore(store))
	acc := account(0x33)

	tokens, err := svc.AddTokens(context.Background(), acc, wccd, []string{"0A", "0b"})
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "0a", tokens[0].ID)
	assert.Equal(t, "Token 0a", tokens[0].Metadata.Name)
	require.NotNil(t, tokens[0].Metadata.Decimals)
	assert.Equal(t, domain.Uint64(6), *tokens[0].Metadata.Decimals)
	assert.Equal(t, uint64(2059), tokens[1].ContractIndex)
	assert.Equal(t, srv.URL+"/0b.json", tokens[1].MetadataURL)

	assert.Len(t, store.saved[acc], 2)
}

func TestAddTokensRejectsNonCIS2(t *testing.T) {
	chain := &fakeChain{invoke: func(domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		return success("010000"), nil
	}}
	_, err := newTestService(chain).AddTokens(context.Background(), account(1), wccd, []string{"01"})
	assert.ErrorIs(t, err, domain.ErrCIS2Unsupported)
	assert.Equal(t, 1, chain.invocations())
}

func TestAddTokensInvalidMetadataAbortsBatch(t *testing.T) {
	srv := metadataServer(t)
	chain := &fakeChain{invoke: func(req domain.InvokeContractRequest) (*domain.InvokeResult, error) {
		if strings.HasSuffix(req.Method, ".supports") {
			return success("010001"), nil
		}
		return success(metadataReturn(srv.URL + "/bad.json")), nil
	}}
	store := &memTokenStore{saved: map[string][]domain.TokenIdentifier{}}
	_, err := newTestService(chain, WithTokenStore(store)).AddTokens(context.Background(), account(1), wccd, []string{"01"})
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
	assert.Empty(t, store.saved)
}

func TestMetadataFetcher(t *testing.T) {
	srv := metadataServer(t)
	f := NewMetadataFetcher(srv.Client(), 0)
	ctx := context.Background()

	meta, err := f.Fetch(ctx, srv.URL+"/ff.json")
	require.NoError(t, err)
	assert.Equal(t, "Tff", meta.Symbol)

	_, err = f.Fetch(ctx, srv.URL+"/missing.json")
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	_, err = f.Fetch(ctx, srv.URL+"/bad.json")
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)

	_, err = f.Fetch(ctx, "ipfs://abc")
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}

func TestMetadataFetcherRejectsBadDecimals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"x","decimals":"six"}`))
	}))
	defer srv.Close()

	_, err := NewMetadataFetcher(srv.Client(), 0).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}

func TestMetadataFetcherSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"` + strings.Repeat("a", 200) + `"}`))
	}))
	defer srv.Close()

	_, err := NewMetadataFetcher(srv.Client(), 64).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, domain.ErrInvalidMetadata)
}
