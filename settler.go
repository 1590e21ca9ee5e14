package x402

import (
	"context"
	"errors"
	"fmt"
)

// settlePayload submits a decoded payload and confirms its committed outcome.
// The returned error is a *SettlementError whenever the response is
// unsuccessful.
//
// Submission and the finality wait run on a context detached from ctx: once
// an instrument is handed to the ledger it cannot be recalled, so a caller
// going away only stops the caller from waiting. The scheme's settlement
// timeout still bounds the whole operation.
func (f *Facilitator) settlePayload(ctx context.Context, payload PaymentPayload, requirement PaymentRequirement) (SettleResponse, error) {
	network := payload.Network

	fail := func(kind error, txHash string, cause error) (SettleResponse, error) {
		settleErr := NewSettlementError(kind, network, txHash, cause)
		return SettleResponse{
			Success:   false,
			Error:     SettlementErrorMessage(settleErr),
			TxHash:    txHash,
			NetworkID: network,
		}, settleErr
	}

	// Nothing carried over from a verify call is trusted
	if check := f.verifyPayload(payload, requirement); !check.IsValid {
		settleErr := NewSettlementError(verificationErrorKind(check.InvalidReason), network, "", errors.New(check.InvalidReason))
		return SettleResponse{
			Success:   false,
			Error:     check.InvalidReason,
			NetworkID: network,
			Payer:     check.Payer,
		}, settleErr
	}

	ledger, ok := f.lookup(payload.Scheme, network)
	if !ok {
		return fail(ErrUnsupportedScheme, "", nil)
	}

	raw, err := DecodeInstrument(payload.Payload)
	if err != nil {
		return fail(ErrDecode, "", err)
	}
	fields, err := ledger.DecodeEconomicFields(raw)
	if err != nil {
		return fail(ErrDecode, "", err)
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledger.SettlementTimeout())
	defer cancel()

	logger := f.logger.With("network", network, "scheme", payload.Scheme, "payer", fields.Payer)

	txHash, err := ledger.Submit(settleCtx, raw)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyUsed):
			logger.Info("ledger rejected replayed instrument", "error", err)
			return fail(ErrAlreadyUsed, txHash, err)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrSettlementTimeout):
			logger.Warn("submission timed out", "error", err)
			return fail(ErrSettlementTimeout, txHash, err)
		default:
			logger.Warn("ledger rejected submission", "error", err)
			return fail(ErrSubmission, txHash, err)
		}
	}
	logger = logger.With("tx", txHash)

	record, err := ledger.WaitForFinality(settleCtx, txHash)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("settlement did not reach finality after client disconnect", "error", err)
		}
		switch {
		case errors.Is(err, ErrSettlementTimeout), errors.Is(err, context.DeadlineExceeded):
			logger.Warn("settlement timed out waiting for finality", "timeout", ledger.SettlementTimeout())
			return fail(ErrSettlementTimeout, txHash, err)
		case errors.Is(err, ErrAlreadyUsed):
			return fail(ErrAlreadyUsed, txHash, err)
		default:
			logger.Warn("failed to confirm settlement", "error", err)
			return fail(ErrSubmission, txHash, err)
		}
	}

	if !record.Success {
		logger.Warn("transaction committed with failure status")
		return fail(ErrSubmission, txHash, errors.New("transaction failed on ledger"))
	}

	if err := checkCommittedOutcome(ledger, record, requirement); err != nil {
		logger.Error("SETTLEMENT INTEGRITY ALARM: committed transaction does not pay the requirement",
			"error", err,
			"expected_recipient", requirement.PayTo,
			"expected_amount", requirement.MaxAmountRequired,
			"expected_asset", requirement.Asset,
			"committed_transfers", record.Transfers,
		)
		return fail(ErrOutcomeMismatch, txHash, err)
	}

	if ctx.Err() != nil {
		logger.Info("settlement completed after client disconnect")
	} else {
		logger.Info("settlement confirmed")
	}

	payer := record.Payer
	if payer == "" {
		payer = fields.Payer
	}
	return SettleResponse{
		Success:   true,
		TxHash:    txHash,
		NetworkID: network,
		Payer:     payer,
	}, nil
}

// checkCommittedOutcome applies the single-transfer policy to a committed
// record: exactly one transfer, and it pays the requirement.
func checkCommittedOutcome(ledger SchemeNetworkLedger, record CommittedRecord, requirement PaymentRequirement) error {
	if len(record.Transfers) != 1 {
		return fmt.Errorf("expected exactly one committed transfer, found %d", len(record.Transfers))
	}
	if reason := compareEconomicFields(ledger, record.Transfers[0], requirement); reason != "" {
		return errors.New(reason)
	}
	return nil
}
