package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	// Protocol errors: a response envelope that carried an error string.
	ErrProtocol      = fmt.Errorf("protocol error")
	ErrHandlerClosed = fmt.Errorf("message handler closed")
	ErrNotConnected  = fmt.Errorf("session not connected")

	// User rejections. Never wrapped into ErrProtocol so callers can tell
	// "the user said no" apart from a failure.
	ErrConnectionRejected = fmt.Errorf("connection rejected")
	ErrSigningRejected    = fmt.Errorf("signing rejected")

	// Token protocol outcomes.
	ErrCIS0Unsupported  = fmt.Errorf("chosen contract does not support CIS-0")
	ErrCIS2Unsupported  = fmt.Errorf("chosen contract does not support CIS-2")
	ErrInstanceNotFound = fmt.Errorf("contract instance not found")
	ErrTokenNotFound    = fmt.Errorf("token does not exist in this contract")
	ErrBalanceMismatch  = fmt.Errorf("mismatch between length of requested tokens and token amounts in response")
	ErrInvocationFailed = fmt.Errorf("contract invocation failed")
	ErrInvalidMetadata  = fmt.Errorf("invalid token metadata")

	// Infrastructure.
	ErrChainRPC        = fmt.Errorf("chain rpc failed")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrStore           = fmt.Errorf("store operation failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrTransport       = fmt.Errorf("transport failed")
	ErrTransportClosed = fmt.Errorf("transport closed")
	ErrMessageLimit    = fmt.Errorf("message exceeds size limit")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Token.FetchBalances")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "token", "store"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ResponseError is a request that the remote context answered with an error.
type ResponseError struct {
	Type          string
	CorrelationID string
	Message       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s request %s: %s", e.Type, e.CorrelationID, e.Message)
}

func (e *ResponseError) Unwrap() error { return ErrProtocol }

// IsUserRejection reports whether err means the user declined the request.
func IsUserRejection(err error) bool {
	return errors.Is(err, ErrConnectionRejected) || errors.Is(err, ErrSigningRejected)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrChainRPC)
}

// ErrorCode is a machine-parseable error category for UI layers and logs.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeProtocol           ErrorCode = "PROTOCOL"
	CodeHandlerClosed      ErrorCode = "HANDLER_CLOSED"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeConnectionRejected ErrorCode = "CONNECTION_REJECTED"
	CodeSigningRejected    ErrorCode = "SIGNING_REJECTED"
	CodeCIS0Unsupported    ErrorCode = "CIS0_UNSUPPORTED"
	CodeCIS2Unsupported    ErrorCode = "CIS2_UNSUPPORTED"
	CodeInstanceNotFound   ErrorCode = "INSTANCE_NOT_FOUND"
	CodeTokenNotFound      ErrorCode = "TOKEN_NOT_FOUND"
	CodeBalanceMismatch    ErrorCode = "BALANCE_MISMATCH"
	CodeInvocationFailed   ErrorCode = "INVOCATION_FAILED"
	CodeInvalidMetadata    ErrorCode = "INVALID_METADATA"
	CodeChainRPC           ErrorCode = "CHAIN_RPC"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeStore              ErrorCode = "STORE"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeTransport          ErrorCode = "TRANSPORT"
	CodeTransportClosed    ErrorCode = "TRANSPORT_CLOSED"
	CodeMessageLimit       ErrorCode = "MESSAGE_LIMIT"

	// Subsystem-specific codes.
	CodeTokenNotInStore   ErrorCode = "TOKEN_NOT_IN_STORE"
	CodeCredentialMissing ErrorCode = "CREDENTIAL_NOT_FOUND"
	CodeTokenIDInvalid    ErrorCode = "TOKEN_ID_INVALID"
	CodeAddressInvalid    ErrorCode = "ADDRESS_INVALID"
	CodeRequestUnhandled  ErrorCode = "REQUEST_UNHANDLED"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrInvalidInput: CodeInvalidInput,
	ErrUnavailable:  CodeUnavailable,

	ErrProtocol:           CodeProtocol,
	ErrHandlerClosed:      CodeHandlerClosed,
	ErrNotConnected:       CodeNotConnected,
	ErrConnectionRejected: CodeConnectionRejected,
	ErrSigningRejected:    CodeSigningRejected,
	ErrCIS0Unsupported:    CodeCIS0Unsupported,
	ErrCIS2Unsupported:    CodeCIS2Unsupported,
	ErrInstanceNotFound:   CodeInstanceNotFound,
	ErrTokenNotFound:      CodeTokenNotFound,
	ErrBalanceMismatch:    CodeBalanceMismatch,
	ErrInvocationFailed:   CodeInvocationFailed,
	ErrInvalidMetadata:    CodeInvalidMetadata,
	ErrChainRPC:           CodeChainRPC,
	ErrRateLimit:          CodeRateLimit,
	ErrStore:              CodeStore,
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrTransport:          CodeTransport,
	ErrTransportClosed:    CodeTransportClosed,
	ErrMessageLimit:       CodeMessageLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"store":      CodeTokenNotInStore,
		"credential": CodeCredentialMissing,
		"messagehub": CodeRequestUnhandled,
	},
	ErrInvalidInput: {
		"token":   CodeTokenIDInvalid,
		"address": CodeAddressInvalid,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// User rejections are checked before the protocol sentinel: a rejection
	// is never reported as a generic protocol failure.
	for _, sentinel := range []error{ErrConnectionRejected, ErrSigningRejected} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
