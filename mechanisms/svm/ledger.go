package svm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// ConfirmedTransaction is a landed transaction as the RPC node reports it
type ConfirmedTransaction struct {
	Transaction *solana.Transaction
	Slot        uint64
	Failed      bool
}

// Backend is the slice of a Solana RPC client the ledger and the instrument
// builder need. RPCBackend adapts *rpc.Client to it.
type Backend interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*ConfirmedTransaction, error)
}

// ExactSvmLedger implements the exact scheme for one Solana cluster. The
// payer is the fee payer and signs the whole transaction, so the ledger
// holds no keys.
type ExactSvmLedger struct {
	backend      Backend
	commitment   rpc.ConfirmationStatusType
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// LedgerOption configures an ExactSvmLedger
type LedgerOption func(*ExactSvmLedger)

// WithSettlementTimeout overrides DefaultSettlementTimeout
func WithSettlementTimeout(timeout time.Duration) LedgerOption {
	return func(l *ExactSvmLedger) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(interval time.Duration) LedgerOption {
	return func(l *ExactSvmLedger) {
		if interval > 0 {
			l.pollInterval = interval
		}
	}
}

// WithFinalized waits for finalized instead of confirmed status
func WithFinalized() LedgerOption {
	return func(l *ExactSvmLedger) {
		l.commitment = rpc.ConfirmationStatusFinalized
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *ExactSvmLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewExactSvmLedger creates a ledger over the given backend
func NewExactSvmLedger(backend Backend, opts ...LedgerOption) *ExactSvmLedger {
	l := &ExactSvmLedger{
		backend:      backend,
		commitment:   rpc.ConfirmationStatusConfirmed,
		timeout:      DefaultSettlementTimeout,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "svm_ledger")
	return l
}

// Scheme returns the payment scheme identifier
func (l *ExactSvmLedger) Scheme() string {
	return x402.SchemeExact
}

// SettlementTimeout bounds Submit plus WaitForFinality
func (l *ExactSvmLedger) SettlementTimeout() time.Duration {
	return l.timeout
}

// ResolveRecipient maps payTo to the associated token account that receives
// an SPL asset. Native transfers credit payTo directly.
func (l *ExactSvmLedger) ResolveRecipient(payTo, asset string) string {
	if asset == "" {
		return payTo
	}
	ata, err := associatedTokenAccount(payTo, asset)
	if err != nil {
		return payTo
	}
	return ata
}

// GetExtra advertises the default mint and its decimals for known clusters
func (l *ExactSvmLedger) GetExtra(network x402.Network) map[string]interface{} {
	config, ok := GetNetworkConfig(string(network))
	if !ok || config.DefaultAsset.Address == "" {
		return nil
	}
	return map[string]interface{}{
		"asset":    config.DefaultAsset.Address,
		"decimals": config.DefaultAsset.Decimals,
	}
}

// DecodeEconomicFields reads the single transfer in the message
func (l *ExactSvmLedger) DecodeEconomicFields(instrument x402.RawInstrument) (x402.EconomicFields, error) {
	msg, err := decodeMessage(instrument.Transaction)
	if err != nil {
		return x402.EconomicFields{}, err
	}
	transfers, err := messageTransfers(msg)
	if err != nil {
		return x402.EconomicFields{}, err
	}
	if len(transfers) != 1 {
		return x402.EconomicFields{}, fmt.Errorf("%w: %d transfers", x402.ErrUnsupportedEffect, len(transfers))
	}
	return transfers[0], nil
}

// VerifySignature checks the ed25519 signature of the fee payer over the
// message bytes
func (l *ExactSvmLedger) VerifySignature(instrument x402.RawInstrument) error {
	msg, err := decodeMessage(instrument.Transaction)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	sig, err := signatureOf(instrument.Signature)
	if err != nil {
		return err
	}
	if !sig.Verify(payerOf(msg), instrument.Transaction) {
		return fmt.Errorf("%w: signature does not match fee payer %s", x402.ErrInvalidSignature, payerOf(msg))
	}
	return nil
}

// Submit sends the signed transaction. A signature the cluster has already
// processed is reported as x402.ErrAlreadyUsed.
func (l *ExactSvmLedger) Submit(ctx context.Context, instrument x402.RawInstrument) (string, error) {
	if err := l.VerifySignature(instrument); err != nil {
		return "", err
	}
	msg, err := decodeMessage(instrument.Transaction)
	if err != nil {
		return "", err
	}
	sig, _ := signatureOf(instrument.Signature)

	tx := &solana.Transaction{
		Signatures: []solana.Signature{sig},
		Message:    *msg,
	}
	if _, err := l.backend.SendTransaction(ctx, tx); err != nil {
		if isReplayRejection(err) {
			return "", fmt.Errorf("%w: %v", x402.ErrAlreadyUsed, err)
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	l.logger.Debug("transaction sent", "signature", sig.String(), "payer", payerOf(msg).String())
	return sig.String(), nil
}

// WaitForFinality polls the signature status until it reaches the ledger's
// commitment, then reads back the landed transaction's transfers
func (l *ExactSvmLedger) WaitForFinality(ctx context.Context, txHash string) (x402.CommittedRecord, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return x402.CommittedRecord{}, fmt.Errorf("invalid signature %q: %w", txHash, err)
	}

	if err := l.waitForStatus(ctx, sig); err != nil {
		return x402.CommittedRecord{}, err
	}

	landed, err := l.backend.GetTransaction(ctx, sig)
	if err != nil {
		return x402.CommittedRecord{}, fmt.Errorf("failed to fetch transaction: %w", err)
	}

	record := x402.CommittedRecord{
		TxHash:  txHash,
		Success: !landed.Failed,
		Payer:   payerOf(&landed.Transaction.Message).String(),
	}
	transfers, err := messageTransfers(&landed.Transaction.Message)
	if err != nil {
		return x402.CommittedRecord{}, fmt.Errorf("failed to decode landed transaction: %w", err)
	}
	record.Transfers = transfers
	return record, nil
}

func (l *ExactSvmLedger) waitForStatus(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		status, err := l.backend.GetSignatureStatus(ctx, sig)
		if err != nil && ctx.Err() == nil {
			l.logger.Debug("signature status lookup failed", "signature", sig.String(), "error", err)
		}
		if err == nil && status != nil && l.reached(status.ConfirmationStatus) {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not %s", x402.ErrSettlementTimeout, sig, l.commitment)
		case <-ticker.C:
		}
	}
}

func (l *ExactSvmLedger) reached(status rpc.ConfirmationStatusType) bool {
	switch status {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return l.commitment == rpc.ConfirmationStatusConfirmed
	default:
		return false
	}
}
