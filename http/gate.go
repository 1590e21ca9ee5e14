package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// ============================================================================
// Request states
// ============================================================================

// State is a position in the per-request payment state machine
type State int

const (
	StateUnchallenged State = iota
	StateChallenged
	StateVerifying
	StateSettling
	StateDelivered
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnchallenged:
		return "Unchallenged"
	case StateChallenged:
		return "Challenged"
	case StateVerifying:
		return "Verifying"
	case StateSettling:
		return "Settling"
	case StateDelivered:
		return "Delivered"
	case StateRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// RejectReason qualifies StateRejected
type RejectReason string

const (
	RejectNoRequirementsConfigured RejectReason = "NoRequirementsConfigured"
	RejectVerificationFailed       RejectReason = "VerificationFailed"
	RejectSettlementFailed         RejectReason = "SettlementFailed"
	RejectInternalError            RejectReason = "InternalError"
)

// ErrorResponse is the JSON body of 403, 409 and 500 responses
type ErrorResponse struct {
	ProtocolVersion int                       `json:"protocolVersion"`
	Error           string                    `json:"error"`
	InvalidReason   string                    `json:"invalidReason,omitempty"`
	Accepts         []x402.PaymentRequirement `json:"accepts,omitempty"`
}

// Messages for responses that do not carry a facilitator reason
const (
	MessagePaymentRequired  = "X-PAYMENT header is required"
	MessageNoRequirements   = "no payment requirements configured for this resource"
	MessageMalformedPayment = "malformed X-PAYMENT header"
	MessageVerifyFailed     = "payment verification failed"
	MessageFacilitatorError = "payment facilitator unavailable"
	MessageReceiptError     = "failed to encode payment receipt"
)

// ProcessResult is the outcome of running one request through the Gate.
// When Protected is false the route needs no payment and the handler should
// run as usual. Otherwise the handler runs only if State is StateDelivered,
// and ReceiptHeader must be set on its response.
type ProcessResult struct {
	Protected bool

	State      State
	Reason     RejectReason
	Trace      []State
	StatusCode int
	Body       interface{}

	Requirement   *x402.PaymentRequirement
	Verification  *x402.VerifyResponse
	Settlement    *x402.SettleResponse
	Receipt       *x402.PaymentReceipt
	ReceiptHeader string
}

// Deliver reports whether the protected handler may run
func (r *ProcessResult) Deliver() bool {
	return !r.Protected || r.State == StateDelivered
}

func (r *ProcessResult) enter(s State) {
	r.State = s
	r.Trace = append(r.Trace, s)
}

func (r *ProcessResult) reject(reason RejectReason, status int, body interface{}) *ProcessResult {
	r.enter(StateRejected)
	r.Reason = reason
	r.StatusCode = status
	r.Body = body
	return r
}

// ============================================================================
// Gate
// ============================================================================

// Gate guards HTTP routes behind x402 payments. The route table is built
// once at construction and never changes; the facilitator is injected.
type Gate struct {
	routes      []compiledRoute
	facilitator x402.FacilitatorClient
	logger      *slog.Logger
	now         func() time.Time

	recipient    string
	resourceRoot string
}

// GateOption configures a Gate
type GateOption func(*Gate)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRecipient sets the payTo used by routes without their own
func WithRecipient(recipient string) GateOption {
	return func(g *Gate) {
		g.recipient = recipient
	}
}

// WithResourceRootURL sets the prefix of advertised resource URLs
func WithResourceRootURL(root string) GateOption {
	return func(g *Gate) {
		g.resourceRoot = root
	}
}

// WithGateClock overrides time.Now for receipt timestamps
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate compiles the route table. Every route's requirements are built
// here, so bad prices or recipients fail fast with an x402.ConfigError.
func NewGate(routes RoutesConfig, facilitator x402.FacilitatorClient, opts ...GateOption) (*Gate, error) {
	if facilitator == nil {
		return nil, &x402.ConfigError{Field: "facilitator", Reason: "facilitator client is required"}
	}

	g := &Gate{
		facilitator: facilitator,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gate")

	compiled, err := compileRoutes(routes, g.recipient, g.resourceRoot)
	if err != nil {
		return nil, err
	}
	g.routes = compiled
	return g, nil
}

// Requirements returns the requirements advertised for a request, or false
// when the route is not protected
func (g *Gate) Requirements(method, path string) ([]x402.PaymentRequirement, bool) {
	route := matchRoute(g.routes, method, path)
	if route == nil {
		return nil, false
	}
	out := make([]x402.PaymentRequirement, len(route.requirements))
	copy(out, route.requirements)
	return out, true
}

// ProcessHTTPRequest runs one request through the payment state machine.
// It never calls the protected handler; callers do that when the result
// allows delivery.
func (g *Gate) ProcessHTTPRequest(ctx context.Context, reqCtx HTTPRequestContext) *ProcessResult {
	method, path := reqCtx.method(), reqCtx.path()

	route := matchRoute(g.routes, method, path)
	if route == nil {
		return &ProcessResult{Protected: false}
	}

	result := &ProcessResult{Protected: true}
	logger := g.logger.With("route", route.key, "path", path)
	requirements := route.requirementsFor(reqCtx)

	header := reqCtx.paymentHeader()
	if header == "" {
		result.enter(StateUnchallenged)
		if len(requirements) == 0 {
			logger.Error("protected route has no payment requirements")
			return result.reject(RejectNoRequirementsConfigured, http.StatusInternalServerError, ErrorResponse{
				ProtocolVersion: x402.ProtocolVersion,
				Error:           MessageNoRequirements,
			})
		}
		result.enter(StateChallenged)
		result.StatusCode = http.StatusPaymentRequired
		result.Body = x402.PaymentRequired{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           MessagePaymentRequired,
			Accepts:         requirements,
		}
		return result
	}

	// A request carrying a payment answers an earlier challenge
	result.enter(StateChallenged)
	if len(requirements) == 0 {
		logger.Error("protected route has no payment requirements")
		return result.reject(RejectNoRequirementsConfigured, http.StatusInternalServerError, ErrorResponse{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           MessageNoRequirements,
		})
	}

	result.enter(StateVerifying)
	payload, err := x402.DecodePaymentPayload(header)
	if err != nil {
		logger.Warn("undecodable payment header", "error", err)
		return result.reject(RejectInternalError, http.StatusInternalServerError, ErrorResponse{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           MessageMalformedPayment,
		})
	}

	// Any option the payload targets may be the one it pays; the first that
	// verifies is settled
	candidates := matchingRequirements(requirements, payload)
	var requirement x402.PaymentRequirement
	var verification *x402.VerifyResponse
	for i, candidate := range candidates {
		resp, err := g.facilitator.Verify(ctx, x402.VerifyRequest{
			ProtocolVersion:    x402.ProtocolVersion,
			PaymentHeader:      header,
			PaymentRequirement: candidate,
		})
		if err != nil || resp == nil {
			logger.Error("facilitator verify failed", "error", err)
			return result.reject(RejectInternalError, http.StatusInternalServerError, ErrorResponse{
				ProtocolVersion: x402.ProtocolVersion,
				Error:           MessageFacilitatorError,
			})
		}
		if i == 0 || resp.IsValid {
			requirement, verification = candidate, resp
		}
		if resp.IsValid {
			break
		}
	}
	result.Requirement = &requirement
	result.Verification = verification

	if !verification.IsValid {
		logger.Info("payment rejected", "reason", verification.InvalidReason, "payer", verification.Payer)
		return result.reject(RejectVerificationFailed, http.StatusForbidden, ErrorResponse{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           MessageVerifyFailed,
			InvalidReason:   verification.InvalidReason,
			Accepts:         requirements,
		})
	}

	result.enter(StateSettling)

	// Settlement outlives the client connection; the ledger timeout bounds it
	settlement, err := g.facilitator.Settle(context.WithoutCancel(ctx), x402.SettleRequest{
		ProtocolVersion:    x402.ProtocolVersion,
		PaymentHeader:      header,
		PaymentRequirement: requirement,
	})
	if err != nil || settlement == nil {
		logger.Error("facilitator settle failed", "error", err)
		return result.reject(RejectInternalError, http.StatusInternalServerError, ErrorResponse{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           MessageFacilitatorError,
		})
	}
	result.Settlement = settlement

	if !settlement.Success {
		logger.Warn("settlement failed", "error", settlement.Error, "tx_hash", settlement.TxHash)
		if settlement.Error == x402.ReasonInstrumentAlreadyUsed {
			return result.reject(RejectSettlementFailed, http.StatusConflict, ErrorResponse{
				ProtocolVersion: x402.ProtocolVersion,
				Error:           settlement.Error,
			})
		}
		return result.reject(RejectSettlementFailed, http.StatusPaymentRequired, x402.PaymentRequired{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           settlement.Error,
			Accepts:         requirements,
		})
	}

	receipt := x402.PaymentReceipt{
		TxHash:    settlement.TxHash,
		Amount:    requirement.MaxAmountRequired,
		Recipient: requirement.PayTo,
		Network:   requirement.Network,
		Timestamp: g.now().Unix(),
		Status:    x402.ReceiptStatusSettled,
	}
	encoded, err := x402.EncodePaymentReceipt(receipt)
	if err != nil {
		// The payment is already on the ledger; this must be visible
		logger.Error("settled but receipt encoding failed", "tx_hash", settlement.TxHash, "error", err)
		return result.reject(RejectInternalError, http.StatusInternalServerError, ErrorResponse{
			ProtocolVersion: x402.ProtocolVersion,
			Error:           MessageReceiptError,
		})
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		logger.Warn("payment settled after client disconnected",
			"tx_hash", settlement.TxHash,
			"payer", settlement.Payer,
			"amount", requirement.MaxAmountRequired,
		)
	}

	result.enter(StateDelivered)
	result.StatusCode = http.StatusOK
	result.Receipt = &receipt
	result.ReceiptHeader = encoded

	logger.Info("payment settled",
		"tx_hash", settlement.TxHash,
		"network", requirement.Network,
		"payer", settlement.Payer,
	)
	return result
}

// matchingRequirements returns the requirements on the payload's scheme and
// network, in declaration order. With no match only the first requirement
// is returned so verification reports a structured mismatch instead of an
// internal error.
func matchingRequirements(requirements []x402.PaymentRequirement, payload *x402.PaymentPayload) []x402.PaymentRequirement {
	var out []x402.PaymentRequirement
	for _, r := range requirements {
		if r.Scheme == payload.Scheme && r.Network == payload.Network {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return requirements[:1]
	}
	return out
}
