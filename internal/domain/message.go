package domain

import "encoding/json"

// MessageType is the discriminator of request envelopes.
type MessageType string

const (
	MessageConnect            MessageType = "Connect"
	MessageSendTransaction    MessageType = "SendTransaction"
	MessageSignMessage        MessageType = "SignMessage"
	MessageGetSelectedAccount MessageType = "GetSelectedAccount"
	MessageAddCIS2Tokens      MessageType = "AddTokens"
)

// SendTransactionPayload asks the wallet to sign and submit a transaction.
// The header is built by the wallet. Parameters and Schema are only used by
// init-contract and update-contract transactions.
type SendTransactionPayload struct {
	AccountAddress string          `json:"accountAddress"`
	Type           int             `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Schema         string          `json:"schema,omitempty"`
	SchemaVersion  *int            `json:"schemaVersion,omitempty"`
}

// SignMessagePayload asks the wallet to sign an arbitrary message.
type SignMessagePayload struct {
	AccountAddress string `json:"accountAddress"`
	Message        string `json:"message"`
}

// AddTokensPayload asks the wallet to track CIS-2 tokens of one contract.
type AddTokensPayload struct {
	AccountAddress   string   `json:"accountAddress"`
	TokenIDs         []string `json:"tokenIds"`
	ContractIndex    Uint64   `json:"contractIndex"`
	ContractSubindex Uint64   `json:"contractSubindex"`
}

// AccountTransactionSignature maps credential index to key index to signature.
type AccountTransactionSignature map[string]map[string]string
