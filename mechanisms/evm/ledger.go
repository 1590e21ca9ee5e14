package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// Backend is the slice of an Ethereum JSON-RPC client the ledger needs.
// *ethclient.Client satisfies it.
type Backend interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// ExactEvmLedger implements the exact scheme for one EVM chain. The payer
// signs and funds the whole transaction; the ledger only relays it and
// reads back the receipt, so it holds no keys.
type ExactEvmLedger struct {
	backend       Backend
	chainID       *big.Int
	timeout       time.Duration
	pollInterval  time.Duration
	confirmations uint64
	logger        *slog.Logger
}

// LedgerOption configures an ExactEvmLedger
type LedgerOption func(*ExactEvmLedger)

// WithSettlementTimeout overrides DefaultSettlementTimeout
func WithSettlementTimeout(timeout time.Duration) LedgerOption {
	return func(l *ExactEvmLedger) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(interval time.Duration) LedgerOption {
	return func(l *ExactEvmLedger) {
		if interval > 0 {
			l.pollInterval = interval
		}
	}
}

// WithConfirmations waits for n blocks on top of the inclusion block
func WithConfirmations(n uint64) LedgerOption {
	return func(l *ExactEvmLedger) {
		l.confirmations = n
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *ExactEvmLedger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewExactEvmLedger creates a ledger for the chain with the given id
func NewExactEvmLedger(backend Backend, chainID *big.Int, opts ...LedgerOption) *ExactEvmLedger {
	l := &ExactEvmLedger{
		backend:      backend,
		chainID:      new(big.Int).Set(chainID),
		timeout:      DefaultSettlementTimeout,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "evm_ledger", "chain_id", l.chainID.String())
	return l
}

// Dial connects to an RPC endpoint and checks it serves the expected chain
func Dial(ctx context.Context, rpcURL string, chainID *big.Int) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if chainID != nil && remote.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %s", rpcURL, remote, chainID)
	}
	return client, nil
}

// Scheme returns the payment scheme identifier
func (l *ExactEvmLedger) Scheme() string {
	return x402.SchemeExact
}

// SettlementTimeout bounds Submit plus WaitForFinality
func (l *ExactEvmLedger) SettlementTimeout() time.Duration {
	return l.timeout
}

// CanonicalAddress returns the EIP-55 checksum form, so payTo and asset
// compare regardless of hex casing
func (l *ExactEvmLedger) CanonicalAddress(addr string) string {
	return NormalizeAddress(addr)
}

// GetExtra advertises the chain id and, for known networks, the default asset
func (l *ExactEvmLedger) GetExtra(network x402.Network) map[string]interface{} {
	extra := map[string]interface{}{
		"chainId": l.chainID.String(),
	}
	if config, ok := GetNetworkConfig(string(network)); ok && config.ChainID.Cmp(l.chainID) == 0 {
		extra["asset"] = config.DefaultAsset.Address
		extra["decimals"] = config.DefaultAsset.Decimals
	}
	return extra
}

// DecodeEconomicFields reads the single transfer the transaction makes. The
// payer comes from signature recovery and is empty when that fails.
func (l *ExactEvmLedger) DecodeEconomicFields(instrument x402.RawInstrument) (x402.EconomicFields, error) {
	tx, err := l.decode(instrument.Transaction)
	if err != nil {
		return x402.EconomicFields{}, err
	}
	fields, err := decodeTransfer(tx)
	if err != nil {
		return x402.EconomicFields{}, err
	}
	if _, from, err := attachSignature(tx, instrument.Signature); err == nil {
		fields.Payer = from.Hex()
	}
	return fields, nil
}

// VerifySignature checks the signature is a canonical secp256k1 signature
// over this transaction's signing hash
func (l *ExactEvmLedger) VerifySignature(instrument x402.RawInstrument) error {
	tx, err := l.decode(instrument.Transaction)
	if err != nil {
		return fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	_, _, err = attachSignature(tx, instrument.Signature)
	return err
}

// Submit broadcasts the signed transaction. A consumed nonce or an
// already-pending copy is reported as x402.ErrAlreadyUsed.
func (l *ExactEvmLedger) Submit(ctx context.Context, instrument x402.RawInstrument) (string, error) {
	tx, err := l.decode(instrument.Transaction)
	if err != nil {
		return "", err
	}
	signed, from, err := attachSignature(tx, instrument.Signature)
	if err != nil {
		return "", err
	}

	txHash := signed.Hash().Hex()
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		if isReplayRejection(err) {
			return "", fmt.Errorf("%w: %v", x402.ErrAlreadyUsed, err)
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	l.logger.Debug("transaction broadcast", "tx", txHash, "from", from.Hex(), "nonce", signed.Nonce())
	return txHash, nil
}

// WaitForFinality polls for the receipt, waits for the configured number
// of confirmations and reports every transfer the transaction made
func (l *ExactEvmLedger) WaitForFinality(ctx context.Context, txHash string) (x402.CommittedRecord, error) {
	hash := common.HexToHash(txHash)

	receipt, err := l.waitForReceipt(ctx, hash)
	if err != nil {
		return x402.CommittedRecord{}, err
	}
	if err := l.waitForConfirmations(ctx, receipt); err != nil {
		return x402.CommittedRecord{}, err
	}

	tx, _, err := l.backend.TransactionByHash(ctx, hash)
	if err != nil {
		return x402.CommittedRecord{}, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return x402.CommittedRecord{}, fmt.Errorf("failed to recover sender: %w", err)
	}

	return x402.CommittedRecord{
		TxHash:    txHash,
		Success:   receipt.Status == types.ReceiptStatusSuccessful,
		Payer:     from.Hex(),
		Transfers: transfersFromReceipt(tx, from, receipt),
	}, nil
}

func (l *ExactEvmLedger) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
		default:
			l.logger.Debug("receipt lookup failed", "tx", hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no receipt for %s", x402.ErrSettlementTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (l *ExactEvmLedger) waitForConfirmations(ctx context.Context, receipt *types.Receipt) error {
	if l.confirmations == 0 || receipt.BlockNumber == nil {
		return nil
	}
	target := receipt.BlockNumber.Uint64() + l.confirmations

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		head, err := l.backend.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %d confirmations not reached", x402.ErrSettlementTimeout, l.confirmations)
		case <-ticker.C:
		}
	}
}

func (l *ExactEvmLedger) decode(raw []byte) (*types.Transaction, error) {
	tx, err := decodeUnsigned(raw)
	if err != nil {
		return nil, err
	}
	if tx.ChainId().Cmp(l.chainID) != 0 {
		return nil, fmt.Errorf("transaction is for chain %s, ledger serves %s", tx.ChainId(), l.chainID)
	}
	return tx, nil
}
