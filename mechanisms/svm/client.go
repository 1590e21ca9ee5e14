package svm

import (
	"context"
	"fmt"
	"math"
	"strconv"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// BlockhashSource supplies recent blockhashes to the instrument builder
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
}

// ExactSvmClient builds exact-scheme instruments: a transaction in which
// the payer is fee payer and moves exactly maxAmountRequired to payTo.
type ExactSvmClient struct {
	key         solana.PrivateKey
	blockhashes BlockhashSource
}

// NewExactSvmClient creates a builder signing with key
func NewExactSvmClient(key solana.PrivateKey, blockhashes BlockhashSource) *ExactSvmClient {
	return &ExactSvmClient{key: key, blockhashes: blockhashes}
}

// NewExactSvmClientFromBase58 parses a base58 private key
func NewExactSvmClientFromBase58(privateKeyBase58 string, blockhashes BlockhashSource) (*ExactSvmClient, error) {
	key, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewExactSvmClient(key, blockhashes), nil
}

// Address returns the payer public key
func (c *ExactSvmClient) Address() string {
	return c.key.PublicKey().String()
}

// Scheme returns the payment scheme identifier
func (c *ExactSvmClient) Scheme() string {
	return x402.SchemeExact
}

// CreateInstrument builds the transaction message and signs it
func (c *ExactSvmClient) CreateInstrument(ctx context.Context, requirement x402.PaymentRequirement) (x402.RawInstrument, error) {
	owner := c.key.PublicKey()

	payTo, err := solana.PublicKeyFromBase58(requirement.PayTo)
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("invalid payTo address: %w", err)
	}
	amount, err := strconv.ParseUint(requirement.MaxAmountRequired, 10, 64)
	if err != nil || amount == 0 {
		return x402.RawInstrument{}, fmt.Errorf("invalid amount: %q", requirement.MaxAmountRequired)
	}

	cuLimit, err := computebudget.NewSetComputeUnitLimitInstructionBuilder().
		SetUnits(DefaultComputeUnitLimit).
		ValidateAndBuild()
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to build compute limit instruction: %w", err)
	}

	var transferIx solana.Instruction
	if requirement.IsNative() {
		transferIx, err = system.NewTransferInstructionBuilder().
			SetLamports(amount).
			SetFundingAccount(owner).
			SetRecipientAccount(payTo).
			ValidateAndBuild()
	} else {
		transferIx, err = c.tokenTransfer(owner, payTo, amount, requirement)
	}
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to build transfer instruction: %w", err)
	}

	blockhash, err := c.blockhashes.GetLatestBlockhash(ctx)
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransactionBuilder().
		AddInstruction(cuLimit).
		AddInstruction(transferIx).
		SetRecentBlockHash(blockhash).
		SetFeePayer(owner).
		Build()
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to create transaction: %w", err)
	}

	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	signature, err := c.key.Sign(messageBytes)
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to sign: %w", err)
	}

	return x402.RawInstrument{
		Signature:   signature[:],
		Transaction: messageBytes,
	}, nil
}

func (c *ExactSvmClient) tokenTransfer(owner, payTo solana.PublicKey, amount uint64, requirement x402.PaymentRequirement) (solana.Instruction, error) {
	mint, err := solana.PublicKeyFromBase58(requirement.Asset)
	if err != nil {
		return nil, fmt.Errorf("invalid asset address: %w", err)
	}
	decimals, err := decimalsFromExtra(requirement.Extra)
	if err != nil {
		return nil, err
	}

	source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive source ATA: %w", err)
	}
	destination, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive destination ATA: %w", err)
	}

	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(destination).
		SetOwnerAccount(owner).
		ValidateAndBuild()
}

// decimalsFromExtra reads extra.decimals, which arrives as a JSON number
// from a challenge or as an int from in-process requirements
func decimalsFromExtra(extra map[string]interface{}) (uint8, error) {
	var value float64
	switch v := extra["decimals"].(type) {
	case float64:
		value = v
	case int:
		value = float64(v)
	case uint8:
		value = float64(v)
	default:
		return 0, fmt.Errorf("decimals is required in paymentRequirements.extra for token transfers")
	}
	if value < 0 || value > math.MaxUint8 || value != math.Trunc(value) {
		return 0, fmt.Errorf("invalid decimals: %v", value)
	}
	return uint8(value), nil
}
