package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

const (
	testNetwork = x402.Network("base-sepolia")
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	testToken   = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

var testChainID = big.NewInt(84532)

// fakeChain mines every accepted transaction immediately. Token calls emit
// the Transfer event a real ERC-20 would.
type fakeChain struct {
	mu       sync.Mutex
	nonces   map[common.Address]uint64
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	head     uint64

	sendErr  error
	unmined  bool
	reverted bool
	extraLog *types.Log
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		head:     100,
	}
}

func (c *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.txs[tx.Hash()]; ok {
		return errors.New("already known")
	}
	if tx.Nonce() < c.nonces[from] {
		return errors.New("nonce too low")
	}
	c.nonces[from] = tx.Nonce() + 1
	c.txs[tx.Hash()] = tx
	if c.unmined {
		return nil
	}

	c.head++
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(c.head),
	}
	if c.reverted {
		receipt.Status = types.ReceiptStatusFailed
	} else if data := tx.Data(); len(data) == 68 {
		receipt.Logs = append(receipt.Logs, &types.Log{
			Address: *tx.To(),
			Topics: []common.Hash{
				TransferEventTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(data[4:36]),
			},
			Data: data[36:68],
		})
	}
	if c.extraLog != nil {
		receipt.Logs = append(receipt.Logs, c.extraLog)
	}
	c.receipts[tx.Hash()] = receipt
	return nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx, ok := c.txs[hash]; ok {
		_, mined := c.receipts[hash]
		return tx, !mined, nil
	}
	return nil, false, ethereum.NotFound
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

func (c *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000), nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &types.Header{Number: big.NewInt(int64(c.head)), BaseFee: big.NewInt(5_000_000)}, nil
}

type fixture struct {
	chain       *fakeChain
	key         *ecdsa.PrivateKey
	client      *ExactEvmClient
	ledger      *ExactEvmLedger
	facilitator *x402.Facilitator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	chain := newFakeChain()
	ledger := NewExactEvmLedger(chain, testChainID,
		WithPollInterval(5*time.Millisecond),
		WithSettlementTimeout(200*time.Millisecond),
		WithLogger(logger),
	)
	return &fixture{
		chain:       chain,
		key:         key,
		client:      NewExactEvmClient(key, testChainID, chain),
		ledger:      ledger,
		facilitator: x402.NewFacilitator(x402.WithFacilitatorLogger(logger)).Register(testNetwork, ledger),
	}
}

func requirement(asset, amount string) x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: amount,
		Resource:          "https://api.example.com/weather",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Asset:             asset,
	}
}

func header(t *testing.T, raw x402.RawInstrument) string {
	t.Helper()
	h, err := x402.EncodePaymentPayload(x402.PaymentPayload{
		ProtocolVersion: x402.ProtocolVersion,
		Scheme:          x402.SchemeExact,
		Network:         testNetwork,
		Payload:         x402.EncodeInstrument(raw),
	})
	require.NoError(t, err)
	return h
}

func TestDecodeEconomicFields(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	t.Run("native transfer", func(t *testing.T) {
		raw, err := fx.client.CreateInstrument(ctx, requirement("", "1000000000000000"))
		require.NoError(t, err)

		fields, err := fx.ledger.DecodeEconomicFields(raw)
		require.NoError(t, err)
		assert.Equal(t, fx.client.Address(), fields.Payer)
		assert.Equal(t, common.HexToAddress(testPayTo).Hex(), fields.Recipient)
		assert.Equal(t, "1000000000000000", fields.Amount)
		assert.Empty(t, fields.Asset)
	})

	t.Run("erc20 transfer", func(t *testing.T) {
		raw, err := fx.client.CreateInstrument(ctx, requirement(strings.ToLower(testToken), "10000"))
		require.NoError(t, err)

		fields, err := fx.ledger.DecodeEconomicFields(raw)
		require.NoError(t, err)
		assert.Equal(t, fx.client.Address(), fields.Payer)
		assert.Equal(t, common.HexToAddress(testPayTo).Hex(), fields.Recipient)
		assert.Equal(t, "10000", fields.Amount)
		assert.Equal(t, testToken, fields.Asset)
	})

	t.Run("garbage bytes", func(t *testing.T) {
		_, err := fx.ledger.DecodeEconomicFields(x402.RawInstrument{Transaction: []byte{0x02, 0xff}, Signature: make([]byte, 65)})
		assert.Error(t, err)
		assert.False(t, errors.Is(err, x402.ErrUnsupportedEffect))
	})
}

func TestDecodeEconomicFieldsRejectsOtherEffects(t *testing.T) {
	fx := newFixture(t)
	token := common.HexToAddress(testToken)
	payTo := common.HexToAddress(testPayTo)

	sign := func(inner *types.DynamicFeeTx) x402.RawInstrument {
		tx := types.NewTx(inner)
		unsigned, err := tx.MarshalBinary()
		require.NoError(t, err)
		sig, err := crypto.Sign(types.LatestSignerForChainID(inner.ChainID).Hash(tx).Bytes(), fx.key)
		require.NoError(t, err)
		return x402.RawInstrument{Signature: sig, Transaction: unsigned}
	}
	base := func() *types.DynamicFeeTx {
		return &types.DynamicFeeTx{
			ChainID:   testChainID,
			GasTipCap: big.NewInt(1),
			GasFeeCap: big.NewInt(2),
			Gas:       ERC20TransferGasLimit,
			Value:     big.NewInt(0),
		}
	}

	parsed, err := transferABI()
	require.NoError(t, err)
	calldata, err := parsed.Pack("transfer", payTo, big.NewInt(10))
	require.NoError(t, err)

	creation := base()
	creation.Data = []byte{0x60, 0x80}

	approve := base()
	approve.To = &token
	approve.Data = append([]byte{0x09, 0x5e, 0xa7, 0xb3}, calldata[4:]...)

	valueAndCall := base()
	valueAndCall.To = &token
	valueAndCall.Value = big.NewInt(1)
	valueAndCall.Data = calldata

	for name, inner := range map[string]*types.DynamicFeeTx{
		"contract creation": creation,
		"approve":           approve,
		"value and call":    valueAndCall,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := fx.ledger.DecodeEconomicFields(sign(inner))
			assert.ErrorIs(t, err, x402.ErrUnsupportedEffect)
		})
	}

	t.Run("other chain", func(t *testing.T) {
		inner := base()
		inner.ChainID = ChainIDBase
		inner.To = &payTo
		inner.Value = big.NewInt(10)
		inner.Gas = NativeTransferGasLimit
		_, err := fx.ledger.DecodeEconomicFields(sign(inner))
		assert.ErrorContains(t, err, "ledger serves 84532")
	})
}

func TestVerifySignature(t *testing.T) {
	fx := newFixture(t)
	raw, err := fx.client.CreateInstrument(context.Background(), requirement("", "5000"))
	require.NoError(t, err)

	assert.NoError(t, fx.ledger.VerifySignature(raw))

	short := x402.RawInstrument{Transaction: raw.Transaction, Signature: raw.Signature[:64]}
	assert.ErrorIs(t, fx.ledger.VerifySignature(short), x402.ErrInvalidSignature)

	// Recovery id out of range
	badV := x402.RawInstrument{Transaction: raw.Transaction, Signature: append([]byte(nil), raw.Signature...)}
	badV.Signature[64] = 7
	assert.ErrorIs(t, fx.ledger.VerifySignature(badV), x402.ErrInvalidSignature)

	// Same signature over another transaction recovers to someone else
	other, err := fx.client.CreateInstrument(context.Background(), requirement("", "5001"))
	require.NoError(t, err)
	swapped := x402.RawInstrument{Transaction: other.Transaction, Signature: raw.Signature}
	fields, err := fx.ledger.DecodeEconomicFields(swapped)
	require.NoError(t, err)
	assert.NotEqual(t, fx.client.Address(), fields.Payer)
}

func TestFacilitatorSettlesNativeTransfer(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	req := requirement("", "1000000000000000")

	raw, err := fx.client.CreateInstrument(ctx, req)
	require.NoError(t, err)
	h := header(t, raw)

	verified, err := fx.facilitator.Verify(ctx, x402.VerifyRequest{ProtocolVersion: 1, PaymentHeader: h, PaymentRequirement: req})
	require.NoError(t, err)
	assert.True(t, verified.IsValid, verified.InvalidReason)
	assert.Equal(t, fx.client.Address(), verified.Payer)

	settled, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: h, PaymentRequirement: req})
	require.NoError(t, err)
	require.True(t, settled.Success, settled.Error)
	assert.Equal(t, fx.client.Address(), settled.Payer)
	assert.Equal(t, testNetwork, settled.NetworkID)
	assert.True(t, strings.HasPrefix(settled.TxHash, "0x"))

	replay, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: h, PaymentRequirement: req})
	require.NoError(t, err)
	assert.False(t, replay.Success)
	assert.Equal(t, x402.ReasonInstrumentAlreadyUsed, replay.Error)
}

func TestFacilitatorSettlesTokenTransfer(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// payTo and asset advertised in lower case still match checksummed fields
	req := requirement(strings.ToLower(testToken), "10000")
	req.PayTo = strings.ToLower(testPayTo)

	raw, err := fx.client.CreateInstrument(ctx, req)
	require.NoError(t, err)

	settled, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: header(t, raw), PaymentRequirement: req})
	require.NoError(t, err)
	assert.True(t, settled.Success, settled.Error)

	record, err := fx.ledger.WaitForFinality(ctx, settled.TxHash)
	require.NoError(t, err)
	require.Len(t, record.Transfers, 1)
	assert.Equal(t, testToken, record.Transfers[0].Asset)
	assert.Equal(t, "10000", record.Transfers[0].Amount)
}

func TestFacilitatorVerifyMismatches(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	raw, err := fx.client.CreateInstrument(ctx, requirement(testToken, "10000"))
	require.NoError(t, err)
	h := header(t, raw)

	tests := []struct {
		name   string
		mutate func(*x402.PaymentRequirement)
		reason string
	}{
		{"amount", func(r *x402.PaymentRequirement) { r.MaxAmountRequired = "10001" }, x402.ReasonAmountMismatch},
		{"recipient", func(r *x402.PaymentRequirement) { r.PayTo = "0x0000000000000000000000000000000000000001" }, x402.ReasonRecipientMismatch},
		{"asset", func(r *x402.PaymentRequirement) { r.Asset = "" }, x402.ReasonAssetMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := requirement(testToken, "10000")
			tt.mutate(&req)
			resp, err := fx.facilitator.Verify(ctx, x402.VerifyRequest{ProtocolVersion: 1, PaymentHeader: h, PaymentRequirement: req})
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
		})
	}
	assert.Empty(t, fx.chain.txs)
}

func TestSettlementFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("reverted", func(t *testing.T) {
		fx := newFixture(t)
		fx.chain.reverted = true
		req := requirement(testToken, "10")
		raw, err := fx.client.CreateInstrument(ctx, req)
		require.NoError(t, err)

		resp, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: header(t, raw), PaymentRequirement: req})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.TxHash)
	})

	t.Run("never mined", func(t *testing.T) {
		fx := newFixture(t)
		fx.chain.unmined = true
		req := requirement("", "10")
		raw, err := fx.client.CreateInstrument(ctx, req)
		require.NoError(t, err)

		resp, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: header(t, raw), PaymentRequirement: req})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, "settlement timeout", resp.Error)
	})

	t.Run("node rejects", func(t *testing.T) {
		fx := newFixture(t)
		fx.chain.sendErr = errors.New("insufficient funds for gas * price + value")
		req := requirement("", "10")
		raw, err := fx.client.CreateInstrument(ctx, req)
		require.NoError(t, err)

		resp, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: header(t, raw), PaymentRequirement: req})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, "settlement submission failed", resp.Error)
	})

	t.Run("extra transfer in receipt", func(t *testing.T) {
		fx := newFixture(t)
		fx.chain.extraLog = &types.Log{
			Address: common.HexToAddress(testToken),
			Topics: []common.Hash{
				TransferEventTopic,
				common.BytesToHash(common.HexToAddress(testPayTo).Bytes()),
				common.BytesToHash(common.HexToAddress("0x0000000000000000000000000000000000000bad").Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(10).Bytes(), 32),
		}
		req := requirement(testToken, "10")
		raw, err := fx.client.CreateInstrument(ctx, req)
		require.NoError(t, err)

		resp, err := fx.facilitator.Settle(ctx, x402.SettleRequest{ProtocolVersion: 1, PaymentHeader: header(t, raw), PaymentRequirement: req})
		require.NoError(t, err)
		assert.False(t, resp.Success)
		assert.Equal(t, "settlement outcome mismatch", resp.Error)
	})
}

func TestWaitForConfirmations(t *testing.T) {
	fx := newFixture(t)
	ledger := NewExactEvmLedger(fx.chain, testChainID,
		WithPollInterval(5*time.Millisecond),
		WithConfirmations(3),
	)
	ctx := context.Background()

	raw, err := fx.client.CreateInstrument(ctx, requirement("", "10"))
	require.NoError(t, err)
	txHash, err := ledger.Submit(ctx, raw)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = ledger.WaitForFinality(short, txHash)
	assert.ErrorIs(t, err, x402.ErrSettlementTimeout)

	fx.chain.mu.Lock()
	fx.chain.head += 3
	fx.chain.mu.Unlock()

	record, err := ledger.WaitForFinality(ctx, txHash)
	require.NoError(t, err)
	assert.True(t, record.Success)
	assert.Equal(t, fx.client.Address(), record.Payer)
}

func TestLedgerMetadata(t *testing.T) {
	ledger := NewExactEvmLedger(newFakeChain(), testChainID)

	assert.Equal(t, x402.SchemeExact, ledger.Scheme())
	assert.Equal(t, DefaultSettlementTimeout, ledger.SettlementTimeout())
	assert.Equal(t, "", ledger.CanonicalAddress(""))
	assert.Equal(t, testToken, ledger.CanonicalAddress(strings.ToLower(testToken)))
	assert.Equal(t, "not-an-address", ledger.CanonicalAddress("not-an-address"))

	extra := ledger.GetExtra(testNetwork)
	assert.Equal(t, "84532", extra["chainId"])
	assert.Equal(t, testToken, extra["asset"])

	// Registered under a custom name only the chain id is known
	assert.Equal(t, map[string]interface{}{"chainId": "84532"}, ledger.GetExtra("my-devnet"))
}

func TestCreateInstrumentValidation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.client.CreateInstrument(ctx, x402.PaymentRequirement{PayTo: "nope", MaxAmountRequired: "1"})
	assert.ErrorContains(t, err, "invalid payTo")

	_, err = fx.client.CreateInstrument(ctx, requirement("", "1.5"))
	assert.ErrorContains(t, err, "invalid amount")

	_, err = fx.client.CreateInstrument(ctx, requirement("usdc", "1"))
	assert.ErrorContains(t, err, "invalid asset")

	_, err = NewExactEvmClientFromHex("zz", testChainID, fx.chain)
	assert.Error(t, err)
}
