package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// ClientBackend is what the instrument builder reads from the chain.
// *ethclient.Client satisfies it.
type ClientBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var _ ClientBackend = (*ethclient.Client)(nil)

// ExactEvmClient builds exact-scheme instruments: an EIP-1559 transaction
// paying the requirement, signed by the payer's key.
type ExactEvmClient struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	backend ClientBackend
}

// NewExactEvmClient creates a builder for one chain
func NewExactEvmClient(key *ecdsa.PrivateKey, chainID *big.Int, backend ClientBackend) *ExactEvmClient {
	return &ExactEvmClient{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		backend: backend,
	}
}

// NewExactEvmClientFromHex parses a hex private key, with or without 0x
func NewExactEvmClientFromHex(privateKeyHex string, chainID *big.Int, backend ClientBackend) (*ExactEvmClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewExactEvmClient(key, chainID, backend), nil
}

// Address returns the payer address
func (c *ExactEvmClient) Address() string {
	return c.address.Hex()
}

// Scheme returns the payment scheme identifier
func (c *ExactEvmClient) Scheme() string {
	return x402.SchemeExact
}

// CreateInstrument builds and signs a transaction moving exactly
// maxAmountRequired of the requirement's asset to payTo
func (c *ExactEvmClient) CreateInstrument(ctx context.Context, requirement x402.PaymentRequirement) (x402.RawInstrument, error) {
	tx, err := c.buildTransaction(ctx, requirement)
	if err != nil {
		return x402.RawInstrument{}, err
	}

	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	signer := types.LatestSignerForChainID(c.chainID)
	signature, err := crypto.Sign(signer.Hash(tx).Bytes(), c.key)
	if err != nil {
		return x402.RawInstrument{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return x402.RawInstrument{
		Signature:   signature,
		Transaction: unsigned,
	}, nil
}

func (c *ExactEvmClient) buildTransaction(ctx context.Context, requirement x402.PaymentRequirement) (*types.Transaction, error) {
	if !common.IsHexAddress(requirement.PayTo) {
		return nil, fmt.Errorf("invalid payTo address: %q", requirement.PayTo)
	}
	payTo := common.HexToAddress(requirement.PayTo)

	amount, ok := new(big.Int).SetString(requirement.MaxAmountRequired, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("invalid amount: %q", requirement.MaxAmountRequired)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	inner := &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
	}

	if requirement.IsNative() {
		inner.Gas = NativeTransferGasLimit
		inner.To = &payTo
		inner.Value = amount
		return types.NewTx(inner), nil
	}

	if !common.IsHexAddress(requirement.Asset) {
		return nil, fmt.Errorf("invalid asset address: %q", requirement.Asset)
	}
	token := common.HexToAddress(requirement.Asset)

	parsed, err := transferABI()
	if err != nil {
		return nil, err
	}
	calldata, err := parsed.Pack("transfer", payTo, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer calldata: %w", err)
	}

	inner.Gas = ERC20TransferGasLimit
	inner.To = &token
	inner.Value = big.NewInt(0)
	inner.Data = calldata
	return types.NewTx(inner), nil
}
