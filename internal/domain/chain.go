package domain

import "context"

// InvokeTag is the outcome tag of a contract invocation.
type InvokeTag string

const (
	InvokeSuccess InvokeTag = "success"
	InvokeFailure InvokeTag = "failure"
)

// InvokeContractRequest is a dry-run contract invocation.
// Invoker is a base58 account address; empty invokes anonymously.
type InvokeContractRequest struct {
	Contract  ContractAddress `json:"contract"`
	Method    string          `json:"method"`
	Parameter []byte          `json:"parameter,omitempty"`
	Invoker   string          `json:"invoker,omitempty"`
	Amount    Uint64          `json:"amount"`
	Energy    Uint64          `json:"energy,omitempty"`
}

// InvokeResult is the response of a contract invocation. ReturnValue is
// hex-encoded; it may be empty even on success.
type InvokeResult struct {
	Tag         InvokeTag `json:"tag"`
	ReturnValue string    `json:"returnValue,omitempty"`
	UsedEnergy  Uint64    `json:"usedEnergy"`
	Reason      string    `json:"reason,omitempty"`
}

// Succeeded reports whether the invocation finished with tag success.
func (r *InvokeResult) Succeeded() bool {
	return r != nil && r.Tag == InvokeSuccess
}

// InstanceInfo describes a contract instance. Name carries the "init_"
// prefix of the contract's init function.
type InstanceInfo struct {
	Name    string   `json:"name"`
	Owner   string   `json:"owner,omitempty"`
	Amount  Amount   `json:"amount"`
	Methods []string `json:"methods,omitempty"`
}

// ContractName strips the "init_" prefix.
func (i *InstanceInfo) ContractName() string {
	if len(i.Name) < 5 {
		return ""
	}
	return i.Name[5:]
}

// TransactionState is the lifecycle state of a submitted transaction.
type TransactionState string

const (
	TransactionReceived  TransactionState = "received"
	TransactionCommitted TransactionState = "committed"
	TransactionFinalized TransactionState = "finalized"
	TransactionAbsent    TransactionState = "absent"
)

// TransactionOutcome is the effect of a finalized transaction.
type TransactionOutcome string

const (
	OutcomeSuccess TransactionOutcome = "success"
	OutcomeReject  TransactionOutcome = "reject"
)

// TransactionStatus is the chain's view of a transaction hash.
type TransactionStatus struct {
	Hash    string             `json:"hash"`
	State   TransactionState   `json:"status"`
	Outcome TransactionOutcome `json:"outcome,omitempty"`
}

// Finalized reports whether the status is terminal.
func (s *TransactionStatus) Finalized() bool {
	return s != nil && s.State == TransactionFinalized
}

// ChainClient is the chain query capability the token client consumes.
// A nil result with a nil error means the chain has no such entity.
type ChainClient interface {
	InvokeContract(ctx context.Context, req InvokeContractRequest) (*InvokeResult, error)
	GetInstanceInfo(ctx context.Context, addr ContractAddress) (*InstanceInfo, error)
	GetTransactionStatus(ctx context.Context, hash string) (*TransactionStatus, error)
}
