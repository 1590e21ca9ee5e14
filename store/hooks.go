package store

import (
	"context"
	"time"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// recordTimeout bounds a log write; settlement results never wait on it longer
const recordTimeout = 5 * time.Second

// Attach logs every settlement outcome of f to s
func Attach(f *x402.Facilitator, s *SQLStore) {
	f.OnAfterSettle(func(hc x402.FacilitatorSettleResultContext) error {
		return s.recordOutcome(hc.FacilitatorSettleContext, hc.Result, StatusSettled, "", hc.Duration)
	})
	f.OnSettleFailure(func(hc x402.FacilitatorSettleFailureContext) error {
		return s.recordOutcome(hc.FacilitatorSettleContext, hc.Result, StatusFailed, hc.Result.Error, hc.Duration)
	})
}

func (s *SQLStore) recordOutcome(hc x402.FacilitatorSettleContext, result x402.SettleResponse, status Status, errMsg string, d time.Duration) error {
	parent := hc.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), recordTimeout)
	defer cancel()

	rec := &SettlementRecord{
		RequestID: hc.RequestID,
		TxHash:    result.TxHash,
		Network:   string(hc.Payload.Network),
		Scheme:    hc.Payload.Scheme,
		Payer:     result.Payer,
		PayTo:     hc.Requirement.PayTo,
		Amount:    hc.Requirement.MaxAmountRequired,
		Asset:     hc.Requirement.Asset,
		Status:    status,
		Error:     errMsg,
		Duration:  d,
		CreatedAt: hc.Timestamp.UTC(),
	}
	if err := s.Record(ctx, rec); err != nil {
		s.logger.Error("failed to log settlement", "request_id", hc.RequestID, "tx_hash", result.TxHash, "error", err)
		return err
	}
	return nil
}
