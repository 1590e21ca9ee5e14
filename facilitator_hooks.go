package x402

import (
	"context"
	"time"
)

// ============================================================================
// Facilitator Hook Context Types
// ============================================================================

// FacilitatorVerifyContext contains information passed to facilitator verify hooks
type FacilitatorVerifyContext struct {
	Ctx         context.Context
	RequestID   string
	Payload     PaymentPayload
	Requirement PaymentRequirement
	Timestamp   time.Time
}

// FacilitatorVerifyResultContext contains the verify result, valid or not
type FacilitatorVerifyResultContext struct {
	FacilitatorVerifyContext
	Result   VerifyResponse
	Duration time.Duration
}

// FacilitatorSettleContext contains information passed to facilitator settle hooks
type FacilitatorSettleContext struct {
	Ctx         context.Context
	RequestID   string
	Payload     PaymentPayload
	Requirement PaymentRequirement
	Timestamp   time.Time
}

// FacilitatorSettleResultContext contains a successful settlement and context
type FacilitatorSettleResultContext struct {
	FacilitatorSettleContext
	Result   SettleResponse
	Duration time.Duration
}

// FacilitatorSettleFailureContext contains a failed settlement and context.
// Error is a *SettlementError.
type FacilitatorSettleFailureContext struct {
	FacilitatorSettleContext
	Result   SettleResponse
	Error    error
	Duration time.Duration
}

// ============================================================================
// Facilitator Hook Result Types
// ============================================================================

// FacilitatorBeforeHookResult represents the result of a facilitator "before" hook
// If Abort is true, the operation will be aborted with the given Reason
type FacilitatorBeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Facilitator Hook Function Types
// ============================================================================

// FacilitatorBeforeVerifyHook is called before facilitator payment verification
// If it returns a result with Abort=true, verification will be skipped
// and an invalid VerifyResponse will be returned with the provided reason
type FacilitatorBeforeVerifyHook func(FacilitatorVerifyContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterVerifyHook is called after every completed verification
// Any error returned will be logged but will not affect the verification result
type FacilitatorAfterVerifyHook func(FacilitatorVerifyResultContext) error

// FacilitatorBeforeSettleHook is called before facilitator payment settlement
// If it returns a result with Abort=true, nothing is submitted and an
// unsuccessful SettleResponse carrying the reason is returned
type FacilitatorBeforeSettleHook func(FacilitatorSettleContext) (*FacilitatorBeforeHookResult, error)

// FacilitatorAfterSettleHook is called after successful facilitator payment settlement
// Any error returned will be logged but will not affect the settlement result
type FacilitatorAfterSettleHook func(FacilitatorSettleResultContext) error

// FacilitatorOnSettleFailureHook is called when settlement fails. Failures
// cannot be recovered: the ledger may already hold the transaction.
// Any error returned will be logged
type FacilitatorOnSettleFailureHook func(FacilitatorSettleFailureContext) error
