package x402

import (
	"context"
	"fmt"
	"sync"
)

// Client manages instrument builders and creates payment payloads.
// It is used by payers that hold keys.
type Client struct {
	mu sync.RWMutex

	// network -> scheme -> builder
	schemes map[Network]map[string]SchemeNetworkClient

	// Function to select a requirement when several are acceptable
	requirementsSelector PaymentRequirementsSelector
}

// PaymentRequirementsSelector chooses which payment option to use. It only
// receives requirements the client can fulfill, never an empty slice.
type PaymentRequirementsSelector func(requirements []PaymentRequirement) PaymentRequirement

// ClientOption configures the client
type ClientOption func(*Client)

// WithPaymentSelector sets a custom payment requirements selector
func WithPaymentSelector(selector PaymentRequirementsSelector) ClientOption {
	return func(c *Client) {
		c.requirementsSelector = selector
	}
}

// WithScheme registers an instrument builder at creation time
func WithScheme(network Network, client SchemeNetworkClient) ClientOption {
	return func(c *Client) {
		c.RegisterScheme(network, client)
	}
}

// NewClient creates a new payer client
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		schemes:              make(map[Network]map[string]SchemeNetworkClient),
		requirementsSelector: defaultPaymentSelector,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// defaultPaymentSelector keeps the server's declaration order
func defaultPaymentSelector(requirements []PaymentRequirement) PaymentRequirement {
	return requirements[0]
}

// RegisterScheme registers an instrument builder for a network (patterns allowed)
func (c *Client) RegisterScheme(network Network, client SchemeNetworkClient) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.schemes[network] == nil {
		c.schemes[network] = make(map[string]SchemeNetworkClient)
	}
	c.schemes[network][client.Scheme()] = client
	return c
}

// SelectPaymentRequirement chooses which requirement to pay, considering
// only those the client has a builder for
func (c *Client) SelectPaymentRequirement(requirements []PaymentRequirement) (PaymentRequirement, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var supported []PaymentRequirement
	for _, req := range requirements {
		if _, ok := findByNetworkAndScheme(c.schemes, req.Scheme, req.Network); ok {
			supported = append(supported, req)
		}
	}

	if len(supported) == 0 {
		return PaymentRequirement{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: "no supported payment schemes available",
			Details: map[string]interface{}{
				"offered": len(requirements),
			},
		}
	}

	return c.requirementsSelector(supported), nil
}

// CreatePaymentPayload builds and signs a fresh instrument for the
// requirement. Every call produces a new payload; payloads are single-use.
func (c *Client) CreatePaymentPayload(ctx context.Context, requirement PaymentRequirement) (PaymentPayload, error) {
	c.mu.RLock()
	builder, ok := findByNetworkAndScheme(c.schemes, requirement.Scheme, requirement.Network)
	c.mu.RUnlock()

	if !ok {
		return PaymentPayload{}, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no builder registered for scheme %s on network %s", requirement.Scheme, requirement.Network),
		}
	}

	raw, err := builder.CreateInstrument(ctx, requirement)
	if err != nil {
		return PaymentPayload{}, fmt.Errorf("failed to create instrument: %w", err)
	}

	return PaymentPayload{
		ProtocolVersion: ProtocolVersion,
		Scheme:          requirement.Scheme,
		Network:         requirement.Network,
		Payload:         EncodeInstrument(raw),
	}, nil
}

// CreatePaymentHeader selects a requirement from a challenge, builds a
// payload for it and returns the X-PAYMENT header value
func (c *Client) CreatePaymentHeader(ctx context.Context, challenge PaymentRequired) (string, PaymentRequirement, error) {
	if challenge.ProtocolVersion != ProtocolVersion {
		return "", PaymentRequirement{}, fmt.Errorf("unsupported protocol version %d", challenge.ProtocolVersion)
	}

	requirement, err := c.SelectPaymentRequirement(challenge.Accepts)
	if err != nil {
		return "", PaymentRequirement{}, err
	}

	payload, err := c.CreatePaymentPayload(ctx, requirement)
	if err != nil {
		return "", PaymentRequirement{}, err
	}

	header, err := EncodePaymentPayload(payload)
	if err != nil {
		return "", PaymentRequirement{}, err
	}
	return header, requirement, nil
}
