package x402

import (
	"errors"
)

// verifyPayload runs the verification checks in order and stops at the
// first failure. It reads no ledger state.
func (f *Facilitator) verifyPayload(payload PaymentPayload, requirement PaymentRequirement) VerifyResponse {
	if payload.ProtocolVersion != ProtocolVersion {
		return invalid(ReasonUnsupportedVersion)
	}

	if payload.Scheme != requirement.Scheme {
		return invalid(ReasonSchemeMismatch)
	}

	if !f.supportsNetwork(payload.Network) || payload.Network != requirement.Network {
		return invalid(ReasonNetworkMismatch)
	}

	raw, err := DecodeInstrument(payload.Payload)
	if err != nil {
		return invalid(ReasonMalformedInstrument)
	}

	ledger, ok := f.lookup(payload.Scheme, payload.Network)
	if !ok {
		return invalid(ReasonUnsupportedScheme)
	}

	fields, err := ledger.DecodeEconomicFields(raw)
	if err != nil {
		if errors.Is(err, ErrUnsupportedEffect) {
			return invalid(ReasonUnsupportedInstruction)
		}
		return invalid(ReasonMalformedInstrument)
	}

	if reason := compareEconomicFields(ledger, fields, requirement); reason != "" {
		return VerifyResponse{IsValid: false, InvalidReason: reason, Payer: fields.Payer}
	}

	if err := ledger.VerifySignature(raw); err != nil {
		return VerifyResponse{IsValid: false, InvalidReason: ReasonInvalidSignature, Payer: fields.Payer}
	}

	return VerifyResponse{IsValid: true, Payer: fields.Payer}
}

// compareEconomicFields returns the mismatch reason, or "" when the transfer
// pays exactly what the requirement asks. Amounts are compared as strings:
// "01000000" and "1000000" are different amounts here. Addresses go through
// the ledger's canonical form when it has one.
func compareEconomicFields(ledger SchemeNetworkLedger, fields EconomicFields, requirement PaymentRequirement) string {
	canonical := func(addr string) string { return addr }
	if c, ok := ledger.(AddressCanonicalizer); ok {
		canonical = c.CanonicalAddress
	}

	payTo := requirement.PayTo
	if r, ok := ledger.(RecipientResolver); ok {
		payTo = r.ResolveRecipient(payTo, requirement.Asset)
	}

	if canonical(fields.Recipient) != canonical(payTo) {
		return ReasonRecipientMismatch
	}
	if fields.Amount != requirement.MaxAmountRequired {
		return ReasonAmountMismatch
	}
	if canonical(fields.Asset) != canonical(requirement.Asset) {
		return ReasonAssetMismatch
	}
	return ""
}

func invalid(reason string) VerifyResponse {
	return VerifyResponse{IsValid: false, InvalidReason: reason}
}
