package x402

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultMaxTimeoutSeconds is used when neither the route nor the option sets one
const DefaultMaxTimeoutSeconds = 60

var amountRegex = regexp.MustCompile(`^[0-9]+$`)

// PaymentOption is one acceptable (scheme, network, asset, price) for a route
type PaymentOption struct {
	Scheme            string                 `json:"scheme" yaml:"scheme" toml:"scheme"`
	Network           Network                `json:"network" yaml:"network" toml:"network"`
	Price             string                 `json:"price" yaml:"price" toml:"price"` // smallest unit, decimal integer string
	Asset             string                 `json:"asset,omitempty" yaml:"asset" toml:"asset"`
	PayTo             string                 `json:"payTo,omitempty" yaml:"pay_to" toml:"pay_to"` // overrides the route recipient
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty" yaml:"max_timeout_seconds" toml:"max_timeout_seconds"`
	Extra             map[string]interface{} `json:"extra,omitempty" yaml:"extra" toml:"extra"`
}

// Route is the payment configuration of one protected resource
type Route struct {
	Resource          string
	Description       string
	MimeType          string
	MaxTimeoutSeconds int
	Accepts           []PaymentOption
}

// BuildPaymentRequirements produces the challenge entries for a route, one
// per option and in declaration order. Order is a display preference only;
// any matching entry is acceptable.
//
// Args:
//
//	route: the route's resource metadata and payment options
//	recipient: default payTo for options that do not set their own
//
// Returns:
//
//	The requirements, or a *ConfigError if a recipient or price is malformed
func BuildPaymentRequirements(route Route, recipient string) ([]PaymentRequirement, error) {
	requirements := make([]PaymentRequirement, 0, len(route.Accepts))

	for i, option := range route.Accepts {
		payTo := recipient
		if option.PayTo != "" {
			payTo = option.PayTo
		}
		if err := validateRecipient(payTo); err != nil {
			return nil, err
		}

		if option.Network == "" {
			return nil, &ConfigError{Field: "network", Reason: fmt.Sprintf("option %d has no network", i)}
		}
		if !amountRegex.MatchString(option.Price) {
			return nil, &ConfigError{Field: "price", Reason: fmt.Sprintf("option %d: price must be an integer amount in the asset's smallest unit, got %q", i, option.Price)}
		}

		scheme := option.Scheme
		if scheme == "" {
			scheme = SchemeExact
		}

		timeout := option.MaxTimeoutSeconds
		if timeout == 0 {
			timeout = route.MaxTimeoutSeconds
		}
		if timeout == 0 {
			timeout = DefaultMaxTimeoutSeconds
		}

		requirements = append(requirements, PaymentRequirement{
			Scheme:            scheme,
			Network:           option.Network,
			MaxAmountRequired: option.Price,
			Resource:          route.Resource,
			Description:       route.Description,
			MimeType:          route.MimeType,
			PayTo:             payTo,
			MaxTimeoutSeconds: timeout,
			Asset:             option.Asset,
			Extra:             copyExtra(option.Extra),
		})
	}

	return requirements, nil
}

func validateRecipient(payTo string) error {
	if strings.TrimSpace(payTo) == "" {
		return &ConfigError{Field: "payTo", Reason: "recipient is empty"}
	}
	for _, r := range payTo {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ConfigError{Field: "payTo", Reason: fmt.Sprintf("recipient %q contains whitespace or control characters", payTo)}
		}
	}
	return nil
}

func copyExtra(extra map[string]interface{}) map[string]interface{} {
	if extra == nil {
		return nil
	}
	out := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}
