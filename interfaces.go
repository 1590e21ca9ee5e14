package x402

import (
	"context"
	"time"
)

// ============================================================================
// Ledger capability (facilitator side)
// ============================================================================

// SchemeNetworkLedger is the per-(scheme, network) capability the verifier
// and settler dispatch to. Implementations own the ledger wire format.
type SchemeNetworkLedger interface {
	Scheme() string

	// DecodeEconomicFields parses the instrument's transaction bytes and
	// returns the single transfer it authorizes.
	//
	// Returns:
	//
	//	ErrUnsupportedEffect if the transaction moves value in more than one place
	//	any other error for bytes that do not parse as a transaction
	DecodeEconomicFields(instrument RawInstrument) (EconomicFields, error)

	// VerifySignature checks the detached signature against the signer the
	// transaction names. Errors wrap ErrInvalidSignature.
	VerifySignature(instrument RawInstrument) error

	// Submit reconstructs the ledger-native signed transaction and sends it.
	// A ledger replay rejection (stale nonce, already processed signature)
	// must be reported as an error wrapping ErrAlreadyUsed.
	Submit(ctx context.Context, instrument RawInstrument) (txHash string, err error)

	// WaitForFinality blocks until the transaction is final and returns the
	// committed record, or ErrSettlementTimeout when ctx expires first.
	WaitForFinality(ctx context.Context, txHash string) (CommittedRecord, error)

	// SettlementTimeout bounds Submit plus WaitForFinality for this scheme.
	SettlementTimeout() time.Duration
}

// ExtraProvider is optionally implemented by ledgers that advertise extra
// data (fee payer, decimals) in the supported response.
type ExtraProvider interface {
	GetExtra(network Network) map[string]interface{}
}

// AddressCanonicalizer is optionally implemented by ledgers whose addresses
// have several textual forms (EVM checksum casing). Amounts are never
// canonicalized.
type AddressCanonicalizer interface {
	CanonicalAddress(addr string) string
}

// RecipientResolver is optionally implemented by ledgers whose transfers
// credit an account derived from payTo rather than payTo itself (a Solana
// associated token account). The verifier and the committed outcome check
// compare against the resolved address.
type RecipientResolver interface {
	ResolveRecipient(payTo, asset string) string
}

// ============================================================================
// Instrument builder (payer side)
// ============================================================================

// SchemeNetworkClient builds instruments for a requirement on one network
type SchemeNetworkClient interface {
	Scheme() string
	CreateInstrument(ctx context.Context, requirement PaymentRequirement) (RawInstrument, error)
}

// ============================================================================
// Verifier / Settler strategies (network boundary)
// ============================================================================

// Verifier checks a presented payment header against a requirement without
// touching ledger state
type Verifier interface {
	Verify(ctx context.Context, request VerifyRequest) (*VerifyResponse, error)
}

// Settler commits a presented payment header to its ledger
type Settler interface {
	Settle(ctx context.Context, request SettleRequest) (*SettleResponse, error)
}

// FacilitatorClient is satisfied by the in-process Facilitator and by the
// HTTP client of a remote facilitator. Expected failures come back as
// response values; a returned error means the facilitator itself could not
// be consulted.
type FacilitatorClient interface {
	Verifier
	Settler

	// GetSupported returns the (scheme, network) kinds the facilitator can handle
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
