package x402

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Facilitator verifies and settles payments in-process by dispatching to the
// ledger registered for each (scheme, network). It satisfies FacilitatorClient,
// so a Gate can use it directly or behind the facilitator HTTP server.
type Facilitator struct {
	mu sync.RWMutex

	ledgers map[Network]map[string]SchemeNetworkLedger
	logger  *slog.Logger
	now     func() time.Time

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

// FacilitatorOption configures a Facilitator
type FacilitatorOption func(*Facilitator)

// WithFacilitatorLogger sets the structured logger
func WithFacilitatorLogger(logger *slog.Logger) FacilitatorOption {
	return func(f *Facilitator) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithClock overrides time.Now, mainly for tests
func WithClock(now func() time.Time) FacilitatorOption {
	return func(f *Facilitator) {
		f.now = now
	}
}

// NewFacilitator creates an empty facilitator. Register ledgers before use.
func NewFacilitator(opts ...FacilitatorOption) *Facilitator {
	f := &Facilitator{
		ledgers: make(map[Network]map[string]SchemeNetworkLedger),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "facilitator")
	return f
}

// Register registers a ledger capability for a network. The network may be
// a wildcard pattern such as "solana*".
func (f *Facilitator) Register(network Network, ledger SchemeNetworkLedger) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ledgers[network] == nil {
		f.ledgers[network] = make(map[string]SchemeNetworkLedger)
	}
	f.ledgers[network][ledger.Scheme()] = ledger
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// FacilitatorClient Implementation
// ============================================================================

// Verify decodes the payment header and checks it against the requirement.
// Expected failures are reported in the response; the error is reserved for
// hook failures.
func (f *Facilitator) Verify(ctx context.Context, request VerifyRequest) (*VerifyResponse, error) {
	start := f.now()

	payload, err := DecodePaymentPayload(request.PaymentHeader)
	if err != nil {
		f.logger.Debug("verify: undecodable payment header", "error", err)
		return &VerifyResponse{IsValid: false, InvalidReason: ReasonMalformedPayload}, nil
	}

	f.mu.RLock()
	beforeHooks := f.beforeVerifyHooks
	afterHooks := f.afterVerifyHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorVerifyContext{
		Ctx:         ctx,
		RequestID:   uuid.NewString(),
		Payload:     *payload,
		Requirement: request.PaymentRequirement,
		Timestamp:   start,
	}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return &VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	response := f.verifyPayload(*payload, request.PaymentRequirement)

	resultCtx := FacilitatorVerifyResultContext{
		FacilitatorVerifyContext: hookCtx,
		Result:                   response,
		Duration:                 f.now().Sub(start),
	}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn("after verify hook failed", "request_id", hookCtx.RequestID, "error", err)
		}
	}

	f.logger.Debug("verified payment",
		"request_id", hookCtx.RequestID,
		"network", payload.Network,
		"valid", response.IsValid,
		"reason", response.InvalidReason,
	)
	return &response, nil
}

// Settle decodes the payment header again, submits the instrument to its
// ledger and waits for a committed, economically correct outcome.
// Expected failures are reported in the response.
func (f *Facilitator) Settle(ctx context.Context, request SettleRequest) (*SettleResponse, error) {
	start := f.now()

	payload, err := DecodePaymentPayload(request.PaymentHeader)
	if err != nil {
		f.logger.Debug("settle: undecodable payment header", "error", err)
		return &SettleResponse{
			Success:   false,
			Error:     SettlementErrorMessage(err),
			NetworkID: request.PaymentRequirement.Network,
		}, nil
	}

	f.mu.RLock()
	beforeHooks := f.beforeSettleHooks
	afterHooks := f.afterSettleHooks
	failureHooks := f.onSettleFailureHooks
	f.mu.RUnlock()

	hookCtx := FacilitatorSettleContext{
		Ctx:         ctx,
		RequestID:   uuid.NewString(),
		Payload:     *payload,
		Requirement: request.PaymentRequirement,
		Timestamp:   start,
	}
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return &SettleResponse{Success: false, Error: result.Reason, NetworkID: payload.Network}, nil
		}
	}

	response, settleErr := f.settlePayload(ctx, *payload, request.PaymentRequirement)

	if settleErr != nil {
		failureCtx := FacilitatorSettleFailureContext{
			FacilitatorSettleContext: hookCtx,
			Result:                   response,
			Error:                    settleErr,
			Duration:                 f.now().Sub(start),
		}
		for _, hook := range failureHooks {
			if err := hook(failureCtx); err != nil {
				f.logger.Warn("settle failure hook failed", "request_id", hookCtx.RequestID, "error", err)
			}
		}
		return &response, nil
	}

	resultCtx := FacilitatorSettleResultContext{
		FacilitatorSettleContext: hookCtx,
		Result:                   response,
		Duration:                 f.now().Sub(start),
	}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			f.logger.Warn("after settle hook failed", "request_id", hookCtx.RequestID, "error", err)
		}
	}
	return &response, nil
}

// GetSupported lists every registered (scheme, network) pair in a stable order
func (f *Facilitator) GetSupported(ctx context.Context) (SupportedResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	kinds := []SupportedKind{}
	for network, schemes := range f.ledgers {
		for scheme, ledger := range schemes {
			kind := SupportedKind{
				ProtocolVersion: ProtocolVersion,
				Scheme:          scheme,
				Network:         network,
			}
			if provider, ok := ledger.(ExtraProvider); ok {
				kind.Extra = provider.GetExtra(network)
			}
			kinds = append(kinds, kind)
		}
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})
	return SupportedResponse{Kinds: kinds}, nil
}

func (f *Facilitator) lookup(scheme string, network Network) (SchemeNetworkLedger, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return findByNetworkAndScheme(f.ledgers, scheme, network)
}

func (f *Facilitator) supportsNetwork(network Network) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return isSupportedNetwork(f.ledgers, network)
}
