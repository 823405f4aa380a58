package wallet

import (
	"context"
	"log/slog"
	"slices"

	"walletbridge/internal/domain"
)

// Approver makes the decisions a user makes in the wallet popup. Rendering
// the prompt and producing signatures happen behind this interface.
type Approver interface {
	// ApproveConnect decides whether origin may connect. A false answer
	// rejects the connection.
	ApproveConnect(ctx context.Context, origin, account string) (bool, error)
	// SignTransaction returns the submitted transaction hash, or "" when
	// the user declined.
	SignTransaction(ctx context.Context, origin string, req domain.SendTransactionPayload) (string, error)
	// SignMessage returns the signature, or nil when the user declined.
	SignMessage(ctx context.Context, origin string, req domain.SignMessagePayload) (domain.AccountTransactionSignature, error)
	// ApproveTokens returns the subset of ids the user agreed to track.
	ApproveTokens(ctx context.Context, origin string, req domain.AddTokensPayload) ([]string, error)
}

// Approval modes.
const (
	ApprovalPrompt    = "prompt"
	ApprovalAllowlist = "allowlist"
	ApprovalDeny      = "deny"
)

// PolicyApprover answers from configuration alone. Connections are approved
// for allowlisted origins and token requests from them are accepted in
// full. It holds no keys, so signing requests are always declined.
type PolicyApprover struct {
	mode    string
	allowed []string
	logger  *slog.Logger
}

var _ Approver = (*PolicyApprover)(nil)

// NewPolicyApprover creates an approver for mode with the given allowlist.
func NewPolicyApprover(mode string, allowed []string, logger *slog.Logger) *PolicyApprover {
	return &PolicyApprover{mode: mode, allowed: allowed, logger: logger}
}

func (p *PolicyApprover) permits(origin string) bool {
	return p.mode == ApprovalAllowlist && (slices.Contains(p.allowed, origin) || slices.Contains(p.allowed, "*"))
}

func (p *PolicyApprover) ApproveConnect(_ context.Context, origin, _ string) (bool, error) {
	ok := p.permits(origin)
	if !ok {
		p.logger.Info("connection declined by policy", "origin", origin, "mode", p.mode)
	}
	return ok, nil
}

func (p *PolicyApprover) SignTransaction(_ context.Context, origin string, req domain.SendTransactionPayload) (string, error) {
	p.logger.Info("transaction declined: no signer configured", "origin", origin, "account", req.AccountAddress)
	return "", nil
}

func (p *PolicyApprover) SignMessage(_ context.Context, origin string, req domain.SignMessagePayload) (domain.AccountTransactionSignature, error) {
	p.logger.Info("message signing declined: no signer configured", "origin", origin, "account", req.AccountAddress)
	return nil, nil
}

func (p *PolicyApprover) ApproveTokens(_ context.Context, origin string, req domain.AddTokensPayload) ([]string, error) {
	if !p.permits(origin) {
		return nil, nil
	}
	return req.TokenIDs, nil
}
