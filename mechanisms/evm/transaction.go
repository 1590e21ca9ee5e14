package evm

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// An EVM instrument is an unsigned typed transaction (MarshalBinary form)
// plus the payer's 65-byte [R || S || V] signature over its signing hash.
// The payer is whoever the signature recovers to.

var (
	erc20ABIOnce sync.Once
	erc20ABI     abi.ABI
	erc20ABIErr  error
)

func transferABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(bytes.NewReader(ERC20TransferABI))
	})
	return erc20ABI, erc20ABIErr
}

// decodeUnsigned parses the transaction blob of an instrument. Legacy
// transactions carry their chain id in V, so only typed ones are accepted.
func decodeUnsigned(raw []byte) (*types.Transaction, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	switch tx.Type() {
	case types.DynamicFeeTxType, types.AccessListTxType:
	default:
		return nil, fmt.Errorf("unsupported transaction type %d", tx.Type())
	}
	return tx, nil
}

// attachSignature rebuilds the signed transaction and recovers its sender
func attachSignature(tx *types.Transaction, sig []byte) (*types.Transaction, common.Address, error) {
	if len(sig) != 65 {
		return nil, common.Address{}, fmt.Errorf("%w: expected 65 bytes, got %d", x402.ErrInvalidSignature, len(sig))
	}
	signer := types.LatestSignerForChainID(tx.ChainId())
	signed, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	from, err := types.Sender(signer, signed)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("%w: %v", x402.ErrInvalidSignature, err)
	}
	return signed, from, nil
}

// decodeTransfer extracts the single value movement of a transaction: a
// plain native transfer, or one ERC-20 transfer(to, amount) call.
func decodeTransfer(tx *types.Transaction) (x402.EconomicFields, error) {
	if tx.To() == nil {
		return x402.EconomicFields{}, fmt.Errorf("%w: contract creation", x402.ErrUnsupportedEffect)
	}

	data := tx.Data()
	if len(data) == 0 {
		return x402.EconomicFields{
			Recipient: tx.To().Hex(),
			Amount:    tx.Value().String(),
		}, nil
	}

	if tx.Value().Sign() != 0 {
		return x402.EconomicFields{}, fmt.Errorf("%w: token call also moves native value", x402.ErrUnsupportedEffect)
	}
	if len(data) < 4 || !bytes.Equal(data[:4], transferSelector) {
		return x402.EconomicFields{}, fmt.Errorf("%w: calldata is not transfer(address,uint256)", x402.ErrUnsupportedEffect)
	}

	parsed, err := transferABI()
	if err != nil {
		return x402.EconomicFields{}, err
	}
	args, err := parsed.Methods["transfer"].Inputs.Unpack(data[4:])
	if err != nil {
		return x402.EconomicFields{}, fmt.Errorf("failed to unpack transfer calldata: %w", err)
	}
	if len(args) != 2 {
		return x402.EconomicFields{}, errors.New("transfer calldata has wrong arity")
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return x402.EconomicFields{}, errors.New("transfer recipient is not an address")
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return x402.EconomicFields{}, errors.New("transfer amount is not a uint256")
	}

	return x402.EconomicFields{
		Recipient: to.Hex(),
		Amount:    amount.String(),
		Asset:     tx.To().Hex(),
	}, nil
}

// transfersFromReceipt lists what a mined transaction actually moved:
// its native value and every ERC-20 Transfer event it emitted.
func transfersFromReceipt(tx *types.Transaction, from common.Address, receipt *types.Receipt) []x402.EconomicFields {
	var transfers []x402.EconomicFields
	if tx.Value().Sign() > 0 && tx.To() != nil {
		transfers = append(transfers, x402.EconomicFields{
			Payer:     from.Hex(),
			Recipient: tx.To().Hex(),
			Amount:    tx.Value().String(),
		})
	}
	for _, log := range receipt.Logs {
		if len(log.Topics) != 3 || log.Topics[0] != TransferEventTopic {
			continue
		}
		transfers = append(transfers, x402.EconomicFields{
			Payer:     common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
			Recipient: common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
			Amount:    new(big.Int).SetBytes(log.Data).String(),
			Asset:     log.Address.Hex(),
		})
	}
	return transfers
}

// NormalizeAddress returns the checksummed form of a hex address and leaves
// anything else untouched
func NormalizeAddress(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// isReplayRejection reports node errors that mean the nonce was consumed or
// the same transaction is already pending
func isReplayRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "known transaction")
}
