package x402

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Match them with errors.Is.
var (
	ErrConfig            = errors.New("x402: invalid configuration")
	ErrDecode            = errors.New("x402: malformed payment payload")
	ErrSubmission        = errors.New("x402: ledger rejected submission")
	ErrSettlementTimeout = errors.New("x402: settlement timed out")
	ErrOutcomeMismatch   = errors.New("x402: committed outcome does not match requirement")
	ErrAlreadyUsed       = errors.New("x402: instrument already used")
	ErrUnsupportedScheme = errors.New("x402: no ledger registered for scheme and network")
	ErrInvalidSignature  = errors.New("x402: invalid instrument signature")
	ErrUnsupportedEffect = errors.New("x402: unsupported instruction in instrument")
	ErrVerification      = errors.New("x402: payment does not match requirement")
)

// Invalid reasons and settlement errors returned to clients
const (
	ReasonUnsupportedVersion     = "unsupported protocol version"
	ReasonSchemeMismatch         = "scheme mismatch"
	ReasonNetworkMismatch        = "invalid/mismatched network"
	ReasonMalformedInstrument    = "malformed instrument"
	ReasonInvalidSignature       = "invalid signature"
	ReasonUnsupportedInstruction = "unsupported instruction"
	ReasonRecipientMismatch      = "recipient mismatch"
	ReasonAmountMismatch         = "amount mismatch"
	ReasonAssetMismatch          = "asset mismatch"
	ReasonUnsupportedScheme      = "unsupported scheme for network"
	ReasonMalformedPayload       = "malformed payment payload"
	ReasonInstrumentAlreadyUsed  = "instrument already used"
)

// PaymentError is returned by the payer client when it cannot answer a
// challenge
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrCodeUnsupportedScheme means no registered builder fits any requirement
const ErrCodeUnsupportedScheme = "unsupported_scheme"

// ConfigError is raised while building route requirements. It is never
// produced on a request path.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("x402: invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// DecodeError reports a payment header that could not be parsed
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("x402: malformed payment payload: %s: %v", e.Reason, e.Err)
	}
	return "x402: malformed payment payload: " + e.Reason
}

// Is lets errors.Is(err, ErrDecode) match any DecodeError
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// SettlementError carries a settlement failure of one of the taxonomy kinds
// (ErrDecode, ErrSubmission, ErrSettlementTimeout, ErrOutcomeMismatch,
// ErrAlreadyUsed). A payment refused before submission carries
// ErrVerification, ErrInvalidSignature, ErrUnsupportedEffect or
// ErrUnsupportedScheme instead.
type SettlementError struct {
	Kind    error
	TxHash  string
	Network Network
	Err     error
}

func (e *SettlementError) Error() string {
	msg := e.Kind.Error()
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SettlementError) Is(target error) bool { return target == e.Kind }

func (e *SettlementError) Unwrap() error { return e.Err }

// NewSettlementError creates a settlement error of the given kind
func NewSettlementError(kind error, network Network, txHash string, err error) *SettlementError {
	return &SettlementError{Kind: kind, TxHash: txHash, Network: network, Err: err}
}

// SettlementErrorMessage renders the client-facing error string for a failed
// settlement. It never carries ledger internals.
func SettlementErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyUsed):
		return ReasonInstrumentAlreadyUsed
	case errors.Is(err, ErrSettlementTimeout):
		return "settlement timeout"
	case errors.Is(err, ErrOutcomeMismatch):
		return "settlement outcome mismatch"
	case errors.Is(err, ErrDecode):
		return "malformed payment payload"
	case errors.Is(err, ErrUnsupportedScheme):
		return "unsupported scheme or network"
	case errors.Is(err, ErrInvalidSignature):
		return ReasonInvalidSignature
	case errors.Is(err, ErrUnsupportedEffect):
		return ReasonUnsupportedInstruction
	case errors.Is(err, ErrVerification):
		return "payment verification failed"
	default:
		return "settlement submission failed"
	}
}

// verificationErrorKind maps an invalid reason to the settlement error kind
// recorded when settle-time verification refuses a payment
func verificationErrorKind(reason string) error {
	switch reason {
	case ReasonInvalidSignature:
		return ErrInvalidSignature
	case ReasonUnsupportedInstruction:
		return ErrUnsupportedEffect
	case ReasonMalformedInstrument, ReasonMalformedPayload:
		return ErrDecode
	case ReasonUnsupportedScheme:
		return ErrUnsupportedScheme
	default:
		return ErrVerification
	}
}
