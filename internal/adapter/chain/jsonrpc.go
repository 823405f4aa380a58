package chain

import (
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the node. It is an application
// level failure: the node was reachable and answered.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// isNull reports whether a result is absent or JSON null.
func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Wire shapes of the node's methods.

type contractRef struct {
	Index    uint64 `json:"index"`
	Subindex uint64 `json:"subindex"`
}

type invokeParams struct {
	Contract  contractRef `json:"contract"`
	Method    string      `json:"method"`
	Parameter string      `json:"parameter"` // hex
	Invoker   string      `json:"invoker,omitempty"`
	Amount    string      `json:"amount"`
	Energy    string      `json:"energy,omitempty"`
}

type transactionParams struct {
	Hash string `json:"hash"`
}
