package svm

import (
	"context"
	"errors"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCBackend adapts a solana-go RPC client to Backend
type RPCBackend struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

var _ Backend = (*RPCBackend)(nil)

// NewRPCBackend connects to the given RPC endpoint
func NewRPCBackend(rpcURL string) *RPCBackend {
	return &RPCBackend{
		client:     rpc.New(rpcURL),
		commitment: rpc.CommitmentConfirmed,
	}
}

// GetLatestBlockhash returns a recent blockhash for new transactions
func (b *RPCBackend) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := b.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

// SendTransaction sends with preflight so replays fail fast
func (b *RPCBackend) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return b.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: b.commitment,
	})
}

// GetSignatureStatus returns nil while the cluster has not seen the signature
func (b *RPCBackend) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	out, err := b.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// GetTransaction fetches a landed transaction in binary form
func (b *RPCBackend) GetTransaction(ctx context.Context, sig solana.Signature) (*ConfirmedTransaction, error) {
	maxVersion := uint64(0)
	out, err := b.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     b.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, err
	}
	if out == nil || out.Transaction == nil {
		return nil, errors.New("transaction not found")
	}
	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, err
	}
	return &ConfirmedTransaction{
		Transaction: tx,
		Slot:        out.Slot,
		Failed:      out.Meta != nil && out.Meta.Err != nil,
	}, nil
}
