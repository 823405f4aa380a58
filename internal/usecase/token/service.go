// Package token implements the CIS-2 token flows a wallet needs: standard
// support checks, metadata resolution, balance queries and transfer cost
// estimation.
package token

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"walletbridge/internal/domain"
	"walletbridge/internal/infra/tracer"
	"walletbridge/pkg/cis2"
)

// Support is the outcome of a CIS-2 compliance check.
type Support int

const (
	SupportOK Support = iota
	SupportCIS0Unsupported
	SupportCIS2Unsupported
)

func (s Support) String() string {
	switch s {
	case SupportOK:
		return "ok"
	case SupportCIS0Unsupported:
		return "cis0_unsupported"
	case SupportCIS2Unsupported:
		return "cis2_unsupported"
	default:
		return fmt.Sprintf("support(%d)", int(s))
	}
}

// Err returns the domain error for an unsupported outcome, nil for SupportOK.
func (s Support) Err() error {
	switch s {
	case SupportOK:
		return nil
	case SupportCIS0Unsupported:
		return domain.ErrCIS0Unsupported
	default:
		return domain.ErrCIS2Unsupported
	}
}

// supportedResponse is the supports return value for "1 answer, standard
// supported".
var supportedResponse = []byte{0x01, 0x00, 0x01}

// transferEnergyMultiplier pads the dry-run energy of a transfer (×12/10).
const (
	transferEnergyNum = 12
	transferEnergyDen = 10
)

// Option configures a Service.
type Option func(*Service)

// WithTokenStore enables AddTokens persistence.
func WithTokenStore(s domain.TokenStore) Option {
	return func(svc *Service) { svc.store = s }
}

// WithMetadataFetcher replaces the HTTP metadata fetcher.
func WithMetadataFetcher(f *MetadataFetcher) Option {
	return func(svc *Service) { svc.metadata = f }
}

// Service composes the CIS-2 codec with a chain client.
type Service struct {
	chain    domain.ChainClient
	store    domain.TokenStore
	metadata *MetadataFetcher
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a token service on top of chain.
func NewService(chain domain.ChainClient, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		chain:  chain,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metadata == nil {
		s.metadata = NewMetadataFetcher(nil, 0)
	}
	return s
}

// ConfirmCIS2 asks the contract whether it implements CIS-2. Failures of any
// kind map to an unsupported variant.
func (s *Service) ConfirmCIS2(ctx context.Context, details domain.ContractDetails) Support {
	ctx, span := tracer.StartSpan(ctx, "token.ConfirmCIS2", trace.WithAttributes(
		tracer.Uint64Attr("contract.index", uint64(details.Index)),
	))
	defer span.End()

	param, err := cis2.EncodeIdentifierTag(cis2.StandardCIS2)
	if err != nil {
		tracer.RecordError(span, err)
		return SupportCIS0Unsupported
	}
	res, err := s.chain.InvokeContract(ctx, domain.InvokeContractRequest{
		Contract:  details.Address(),
		Method:    details.ContractName + ".supports",
		Parameter: param,
	})
	if err != nil {
		s.logger.Debug("supports invocation failed", "contract", details.Address().String(), "error", err)
		tracer.RecordError(span, err)
		return SupportCIS0Unsupported
	}
	if res == nil || !res.Succeeded() {
		return SupportCIS0Unsupported
	}
	got, err := hex.DecodeString(res.ReturnValue)
	if err != nil || !bytes.Equal(got, supportedResponse) {
		return SupportCIS2Unsupported
	}
	tracer.SetOK(span)
	return SupportOK
}

// ResolveTokenMetadataURL returns the metadata URL of one token.
func (s *Service) ResolveTokenMetadataURL(ctx context.Context, tokenIDHex string, details domain.ContractDetails) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "token.ResolveTokenMetadataURL", trace.WithAttributes(
		tracer.StringAttr("token.id", tokenIDHex),
	))
	defer span.End()

	param, err := cis2.EncodeTokenIDQuery(tokenIDHex)
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.NewSubSystemError("token", "token.ResolveTokenMetadataURL", domain.ErrInvalidInput, err.Error())
	}
	res, err := s.chain.InvokeContract(ctx, domain.InvokeContractRequest{
		Contract:  details.Address(),
		Method:    details.ContractName + ".tokenMetadata",
		Parameter: param,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("token.ResolveTokenMetadataURL", err)
	}
	if !res.Succeeded() || res.ReturnValue == "" {
		return "", domain.NewDomainError("token.ResolveTokenMetadataURL", domain.ErrTokenNotFound, tokenIDHex)
	}
	raw, err := hex.DecodeString(res.ReturnValue)
	if err != nil {
		return "", domain.WrapOp("token.ResolveTokenMetadataURL", fmt.Errorf("%w: return value is not hex", cis2.ErrDecode))
	}
	url, err := cis2.DecodeMetadataURL(raw)
	if err != nil {
		tracer.RecordError(span, err)
		return "", domain.WrapOp("token.ResolveTokenMetadataURL", err)
	}
	tracer.SetOK(span)
	return url, nil
}

// FetchContractName resolves the contract name of the instance at
// (index, subindex). The name is empty when the instance does not exist.
func (s *Service) FetchContractName(ctx context.Context, index, subindex uint64) (string, error) {
	info, err := s.chain.GetInstanceInfo(ctx, domain.ContractAddress{Index: index, Subindex: subindex})
	if err != nil {
		return "", domain.WrapOp("token.FetchContractName", err)
	}
	if info == nil {
		return "", nil
	}
	return info.ContractName(), nil
}

// FetchBalances queries account's balance of every token in tokenIDs. An
// unknown instance or a failed invocation yields an empty map.
func (s *Service) FetchBalances(ctx context.Context, contractIndex uint64, tokenIDs []string, account string) (domain.BalanceMap, error) {
	ctx, span := tracer.StartSpan(ctx, "token.FetchBalances", trace.WithAttributes(
		tracer.Uint64Attr("contract.index", contractIndex),
		tracer.IntAttr("token.count", len(tokenIDs)),
	))
	defer span.End()

	balances := domain.BalanceMap{}
	if len(tokenIDs) == 0 {
		return balances, nil
	}

	addr, err := cis2.ParseAccountAddress(account)
	if err != nil {
		return nil, domain.NewSubSystemError("address", "token.FetchBalances", domain.ErrInvalidInput, err.Error())
	}
	param, err := cis2.EncodeBalanceQuery(tokenIDs, addr)
	if err != nil {
		return nil, domain.NewSubSystemError("token", "token.FetchBalances", domain.ErrInvalidInput, err.Error())
	}

	contract := domain.ContractAddress{Index: contractIndex}
	info, err := s.chain.GetInstanceInfo(ctx, contract)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("token.FetchBalances", err)
	}
	if info == nil {
		return balances, nil
	}

	res, err := s.chain.InvokeContract(ctx, domain.InvokeContractRequest{
		Contract:  contract,
		Method:    info.ContractName() + ".balanceOf",
		Parameter: param,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("token.FetchBalances", err)
	}
	if !res.Succeeded() || res.ReturnValue == "" {
		return balances, nil
	}

	raw, err := hex.DecodeString(res.ReturnValue)
	if err != nil {
		return nil, domain.WrapOp("token.FetchBalances", fmt.Errorf("%w: return value is not hex", cis2.ErrDecode))
	}
	amounts, err := cis2.DecodeBalanceAmounts(raw)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("token.FetchBalances", err)
	}
	if len(amounts) != len(tokenIDs) {
		err := domain.NewDomainError("token.FetchBalances", domain.ErrBalanceMismatch,
			fmt.Sprintf("requested %d, got %d", len(tokenIDs), len(amounts)))
		tracer.RecordError(span, err)
		return nil, err
	}
	for i, id := range tokenIDs {
		balances[id] = domain.NewAmount(amounts[i])
	}
	tracer.SetOK(span)
	return balances, nil
}

// EstimateTransferEnergy dry-runs a transfer of one unit of tokenID from
// one account to another and prices the resulting transaction.
func (s *Service) EstimateTransferEnergy(ctx context.Context, from, to, tokenID string, contractIndex uint64) (domain.EnergyEstimate, error) {
	ctx, span := tracer.StartSpan(ctx, "token.EstimateTransferEnergy", trace.WithAttributes(
		tracer.Uint64Attr("contract.index", contractIndex),
		tracer.StringAttr("token.id", tokenID),
	))
	defer span.End()

	sender, err := cis2.ParseAccountAddress(from)
	if err != nil {
		return domain.EnergyEstimate{}, domain.NewSubSystemError("address", "token.EstimateTransferEnergy", domain.ErrInvalidInput, "from: "+err.Error())
	}
	recipient, err := cis2.ParseAccountAddress(to)
	if err != nil {
		return domain.EnergyEstimate{}, domain.NewSubSystemError("address", "token.EstimateTransferEnergy", domain.ErrInvalidInput, "to: "+err.Error())
	}

	param, err := cis2.EncodeTransfer([]cis2.Transfer{{
		TokenID: tokenID,
		Amount:  big.NewInt(1),
		From:    cis2.AccountOf(sender),
		To:      cis2.Receiver{Address: cis2.AccountOf(recipient)},
	}})
	if err != nil {
		return domain.EnergyEstimate{}, domain.NewSubSystemError("token", "token.EstimateTransferEnergy", domain.ErrInvalidInput, err.Error())
	}

	name, err := s.FetchContractName(ctx, contractIndex, 0)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.EnergyEstimate{}, err
	}

	res, err := s.chain.InvokeContract(ctx, domain.InvokeContractRequest{
		Contract:  domain.ContractAddress{Index: contractIndex},
		Method:    name + ".transfer",
		Parameter: param,
		Invoker:   from,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.EnergyEstimate{}, domain.WrapOp("token.EstimateTransferEnergy", err)
	}
	if !res.Succeeded() {
		reason := "no result"
		if res != nil {
			reason = res.Reason
		}
		err := domain.NewDomainError("token.EstimateTransferEnergy", domain.ErrInvocationFailed, reason)
		tracer.RecordError(span, err)
		return domain.EnergyEstimate{}, err
	}

	execution := uint64(res.UsedEnergy) * transferEnergyNum / transferEnergyDen
	total := TransactionEnergyCost(1, TransferPayloadSize(len(param), name), execution)
	tracer.SetOK(span)
	return domain.EnergyEstimate{Execution: execution, Total: total}, nil
}

// TransferPayloadSize is the serialized size of an update-contract payload
// carrying a parameter of paramLen bytes to contractName.transfer.
func TransferPayloadSize(paramLen int, contractName string) uint64 {
	const receiveSuffix = len(".transfer")
	return 8 + 8 + 8 + 2 + uint64(paramLen) + 2 + uint64(len(contractName)+receiveSuffix)
}

// TransactionEnergyCost is the base cost of an account transaction plus its
// transaction-specific cost.
func TransactionEnergyCost(signatures, payloadSize, specific uint64) uint64 {
	const headerSize = 32 + 8 + 8 + 4 + 8
	return 100*signatures + (headerSize + payloadSize) + specific
}

// FetchTokenMetadata fetches and validates the metadata document at url.
func (s *Service) FetchTokenMetadata(ctx context.Context, url string) (domain.TokenMetadata, error) {
	return s.metadata.Fetch(ctx, url)
}

// AddTokens verifies that details is a CIS-2 contract, resolves metadata for
// every id and stores the tokens for account. Ids are resolved
// concurrently; the first failure aborts the whole batch.
func (s *Service) AddTokens(ctx context.Context, account string, details domain.ContractDetails, tokenIDs []string) ([]domain.TokenIdentifier, error) {
	if err := s.ConfirmCIS2(ctx, details).Err(); err != nil {
		return nil, domain.NewDomainError("token.AddTokens", err, details.Address().String())
	}

	tokens := make([]domain.TokenIdentifier, len(tokenIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range tokenIDs {
		g.Go(func() error {
			id = strings.ToLower(id)
			url, err := s.ResolveTokenMetadataURL(gctx, id, details)
			if err != nil {
				return err
			}
			meta, err := s.metadata.Fetch(gctx, url)
			if err != nil {
				return fmt.Errorf("token %s: %w", id, err)
			}
			tokens[i] = domain.TokenIdentifier{
				ContractIndex: uint64(details.Index),
				ID:            id,
				MetadataURL:   url,
				Metadata:      meta,
				Account:       account,
				AddedAt:       s.now(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, domain.WrapOp("token.AddTokens", err)
	}

	if s.store != nil && len(tokens) > 0 {
		if err := s.store.SaveTokens(ctx, account, tokens); err != nil {
			return nil, domain.WrapOp("token.AddTokens", err)
		}
	}
	s.logger.Info("tokens added", "account", account, "contract", details.Address().String(), "count", len(tokens))
	return tokens, nil
}
