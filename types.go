package x402

import (
	"strings"
)

// ProtocolVersion is the only payment protocol version this engine speaks.
const ProtocolVersion = 1

// SchemeExact is the reference payment scheme: the instrument moves exactly
// maxAmountRequired to payTo.
const SchemeExact = "exact"

// Network represents a ledger/network identifier (e.g., "base-sepolia", "solana-devnet")
type Network string

// Match checks if this network matches a pattern (supports a trailing wildcard)
// e.g., "solana-devnet" matches "solana*" and "solana*" matches "solana-devnet"
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, "*") {
		return strings.HasPrefix(nStr, strings.TrimSuffix(patternStr, "*"))
	}

	// Bidirectional so a wildcard registration can be looked up by a concrete network
	if strings.HasSuffix(nStr, "*") {
		return strings.HasPrefix(patternStr, strings.TrimSuffix(nStr, "*"))
	}

	return false
}

// PaymentRequirement describes one acceptable way to pay for a resource
type PaymentRequirement struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	MaxAmountRequired string                 `json:"maxAmountRequired"`
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description"`
	MimeType          string                 `json:"mimeType"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Asset             string                 `json:"asset,omitempty"` // empty means the network's native currency
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// IsNative reports whether the requirement asks for the network's native currency
func (r PaymentRequirement) IsNative() bool {
	return r.Asset == ""
}

// Instrument is the transport form of a signed, scheme-specific transaction.
// Both fields are standard base64.
type Instrument struct {
	Signature   string `json:"signature"`
	Transaction string `json:"transaction"`
}

// RawInstrument holds the decoded instrument blobs handed to ledger code
type RawInstrument struct {
	Signature   []byte
	Transaction []byte
}

// PaymentPayload is the instrument presented by a requester in the X-PAYMENT header
type PaymentPayload struct {
	ProtocolVersion int        `json:"protocolVersion"`
	Scheme          string     `json:"scheme"`
	Network         Network    `json:"network"`
	Payload         Instrument `json:"payload"`
}

// PaymentRequired is the 402 challenge body
type PaymentRequired struct {
	ProtocolVersion int                  `json:"protocolVersion"`
	Error           string               `json:"error,omitempty"`
	Accepts         []PaymentRequirement `json:"accepts"`
}

// VerifyRequest is the facilitator verify call. PaymentHeader is the raw
// X-PAYMENT value; the facilitator decodes it itself.
type VerifyRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	PaymentHeader      string             `json:"paymentHeader"`
	PaymentRequirement PaymentRequirement `json:"paymentRequirements"`
}

// SettleRequest is the facilitator settle call
type SettleRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	PaymentHeader      string             `json:"paymentHeader"`
	PaymentRequirement PaymentRequirement `json:"paymentRequirements"`
}

// VerifyResponse contains the verification result
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse contains the settlement result
type SettleResponse struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	TxHash    string  `json:"txHash,omitempty"`
	NetworkID Network `json:"networkId,omitempty"`
	Payer     string  `json:"payer,omitempty"`
}

// PaymentReceipt is attached to delivered responses as X-Payment-Response
type PaymentReceipt struct {
	TxHash    string  `json:"txHash"`
	Amount    string  `json:"amount"`
	Recipient string  `json:"recipient"`
	Network   Network `json:"network"`
	Timestamp int64   `json:"timestamp"`
	Status    string  `json:"status"`
}

// ReceiptStatusSettled is the only status a delivered response carries
const ReceiptStatusSettled = "settled"

// SupportedKind represents a single supported payment configuration
type SupportedKind struct {
	ProtocolVersion int                    `json:"protocolVersion"`
	Scheme          string                 `json:"scheme"`
	Network         Network                `json:"network"`
	Extra           map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes what payment kinds a facilitator supports
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// EconomicFields are the ledger-decoded facts of an instrument that the
// verifier and settler compare against a requirement.
type EconomicFields struct {
	Payer     string
	Recipient string
	Amount    string
	Asset     string // empty for native transfers
}

// CommittedRecord is what a ledger reports for a finalized transaction
type CommittedRecord struct {
	TxHash    string
	Success   bool
	Payer     string
	Transfers []EconomicFields
}
