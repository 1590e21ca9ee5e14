// Package cash is an in-memory ledger for tests. Instruments are JSON
// transactions signed with ed25519; the ledger refuses a (sender, nonce)
// pair it has already committed, which is its anti-replay primitive.
package cash

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// Network is the network tag the mock ledger is usually registered under
const Network x402.Network = "testnet"

// Leg is one value movement inside a transaction
type Leg struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Asset  string `json:"asset,omitempty"`
}

// Transaction is the unsigned transaction format of the mock ledger
type Transaction struct {
	From  string `json:"from"`
	Nonce uint64 `json:"nonce"`
	Legs  []Leg  `json:"legs"`
}

// ============================================================================
// Wallet (payer side)
// ============================================================================

// Wallet holds an ed25519 key and builds instruments for the mock ledger
type Wallet struct {
	key   ed25519.PrivateKey
	nonce atomic.Uint64
}

// NewWallet creates a wallet with a fresh random key
func NewWallet() *Wallet {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &Wallet{key: key}
}

// Address returns the hex public key used as the sender address
func (w *Wallet) Address() string {
	return hex.EncodeToString(w.key.Public().(ed25519.PublicKey))
}

// Scheme returns the payment scheme identifier
func (w *Wallet) Scheme() string {
	return x402.SchemeExact
}

// CreateInstrument pays the requirement exactly with the next unused nonce
func (w *Wallet) CreateInstrument(ctx context.Context, requirement x402.PaymentRequirement) (x402.RawInstrument, error) {
	return w.Sign(Transaction{
		From:  w.Address(),
		Nonce: w.nonce.Add(1),
		Legs: []Leg{{
			To:     requirement.PayTo,
			Amount: requirement.MaxAmountRequired,
			Asset:  requirement.Asset,
		}},
	})
}

// NextNonce reserves a nonce for a hand-built transaction
func (w *Wallet) NextNonce() uint64 {
	return w.nonce.Add(1)
}

// Sign serializes and signs an arbitrary transaction
func (w *Wallet) Sign(tx Transaction) (x402.RawInstrument, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return x402.RawInstrument{}, err
	}
	return x402.RawInstrument{
		Signature:   ed25519.Sign(w.key, data),
		Transaction: data,
	}, nil
}

// ============================================================================
// Ledger (facilitator side)
// ============================================================================

// Ledger implements x402.SchemeNetworkLedger in memory
type Ledger struct {
	mu        sync.Mutex
	spent     map[string]bool
	committed map[string]x402.CommittedRecord
	pending   map[string]x402.CommittedRecord

	submissions atomic.Int64

	// SubmitErr, when set, is returned by every Submit
	SubmitErr error
	// NeverFinalize makes WaitForFinality block until its context ends
	NeverFinalize bool
	// FinalityDelay is waited before a transaction becomes final
	FinalityDelay time.Duration
	// FailExecution commits transactions with a failure status
	FailExecution bool
	// Tamper rewrites committed records before they are reported
	Tamper func(*x402.CommittedRecord)
	// Timeout is the scheme settlement timeout, one second by default
	Timeout time.Duration
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		spent:     make(map[string]bool),
		committed: make(map[string]x402.CommittedRecord),
		pending:   make(map[string]x402.CommittedRecord),
		Timeout:   time.Second,
	}
}

// Scheme returns the payment scheme identifier
func (l *Ledger) Scheme() string {
	return x402.SchemeExact
}

// Submissions counts accepted submissions
func (l *Ledger) Submissions() int {
	return int(l.submissions.Load())
}

// SettlementTimeout bounds submit plus finality
func (l *Ledger) SettlementTimeout() time.Duration {
	return l.Timeout
}

// DecodeEconomicFields reads the single leg of a transaction
func (l *Ledger) DecodeEconomicFields(instrument x402.RawInstrument) (x402.EconomicFields, error) {
	tx, err := parse(instrument.Transaction)
	if err != nil {
		return x402.EconomicFields{}, err
	}
	if len(tx.Legs) != 1 {
		return x402.EconomicFields{}, fmt.Errorf("%w: %d legs", x402.ErrUnsupportedEffect, len(tx.Legs))
	}
	leg := tx.Legs[0]
	return x402.EconomicFields{
		Payer:     tx.From,
		Recipient: leg.To,
		Amount:    leg.Amount,
		Asset:     leg.Asset,
	}, nil
}

// VerifySignature checks the ed25519 signature against the sender key
func (l *Ledger) VerifySignature(instrument x402.RawInstrument) error {
	tx, err := parse(instrument.Transaction)
	if err != nil {
		return err
	}
	pub, err := hex.DecodeString(tx.From)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad sender key", x402.ErrInvalidSignature)
	}
	if !ed25519.Verify(pub, instrument.Transaction, instrument.Signature) {
		return x402.ErrInvalidSignature
	}
	return nil
}

// Submit accepts a transaction once per (sender, nonce)
func (l *Ledger) Submit(ctx context.Context, instrument x402.RawInstrument) (string, error) {
	if l.SubmitErr != nil {
		return "", l.SubmitErr
	}
	if err := l.VerifySignature(instrument); err != nil {
		return "", err
	}
	tx, err := parse(instrument.Transaction)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := fmt.Sprintf("%s/%d", tx.From, tx.Nonce)
	if l.spent[key] {
		return "", fmt.Errorf("%w: duplicate sequence number %d for %s", x402.ErrAlreadyUsed, tx.Nonce, tx.From)
	}
	l.spent[key] = true
	l.submissions.Add(1)

	sum := sha256.Sum256(append(append([]byte{}, instrument.Transaction...), instrument.Signature...))
	hash := hex.EncodeToString(sum[:])

	record := x402.CommittedRecord{
		TxHash:  hash,
		Success: !l.FailExecution,
		Payer:   tx.From,
	}
	for _, leg := range tx.Legs {
		record.Transfers = append(record.Transfers, x402.EconomicFields{
			Payer:     tx.From,
			Recipient: leg.To,
			Amount:    leg.Amount,
			Asset:     leg.Asset,
		})
	}
	if l.Tamper != nil {
		l.Tamper(&record)
	}
	l.pending[hash] = record
	return hash, nil
}

// WaitForFinality reports the committed record after FinalityDelay
func (l *Ledger) WaitForFinality(ctx context.Context, txHash string) (x402.CommittedRecord, error) {
	if l.NeverFinalize {
		<-ctx.Done()
		return x402.CommittedRecord{}, fmt.Errorf("%w: %v", x402.ErrSettlementTimeout, ctx.Err())
	}
	if l.FinalityDelay > 0 {
		select {
		case <-time.After(l.FinalityDelay):
		case <-ctx.Done():
			return x402.CommittedRecord{}, fmt.Errorf("%w: %v", x402.ErrSettlementTimeout, ctx.Err())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.pending[txHash]
	if !ok {
		return x402.CommittedRecord{}, errors.New("unknown transaction " + txHash)
	}
	delete(l.pending, txHash)
	l.committed[txHash] = record
	return record, nil
}

// Committed returns a finalized record
func (l *Ledger) Committed(txHash string) (x402.CommittedRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.committed[txHash]
	return record, ok
}

func parse(data []byte) (Transaction, error) {
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return Transaction{}, fmt.Errorf("invalid transaction: %w", err)
	}
	if tx.From == "" {
		return Transaction{}, errors.New("invalid transaction: missing sender")
	}
	return tx, nil
}
