package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// EncodePaymentPayload encodes a payload as base64 of its JSON form, the
// value carried in the X-PAYMENT header.
// Field order on the wire: protocolVersion, scheme, network, payload{signature, transaction}.
func EncodePaymentPayload(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentPayload validates and decodes a payment header string.
// It checks:
// - Base64 format
// - JSON structure
// - Presence, type and non-emptiness of protocolVersion, scheme, network,
//   payload.signature and payload.transaction
//
// It does not judge the values themselves (version, scheme, instrument
// bytes); that is the verifier's job.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, &DecodeError{Reason: "payment header is empty"}
	}

	if !base64Regex.MatchString(header) {
		return nil, &DecodeError{Reason: "not valid base64"}
	}

	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, &DecodeError{Reason: "base64 decoding failed", Err: err}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(decoded, &raw); err != nil {
		return nil, &DecodeError{Reason: "not valid JSON", Err: err}
	}

	version, exists := raw["protocolVersion"]
	if !exists {
		return nil, &DecodeError{Reason: "missing required field: protocolVersion"}
	}
	if _, ok := version.(float64); !ok {
		return nil, &DecodeError{Reason: "invalid field type: protocolVersion must be a number"}
	}

	for _, field := range []string{"scheme", "network"} {
		if err := requireString(raw, field, field); err != nil {
			return nil, err
		}
	}

	inner, exists := raw["payload"]
	if !exists {
		return nil, &DecodeError{Reason: "missing required field: payload"}
	}
	innerMap, ok := inner.(map[string]interface{})
	if !ok {
		return nil, &DecodeError{Reason: "invalid field type: payload must be an object"}
	}
	for _, field := range []string{"signature", "transaction"} {
		if err := requireString(innerMap, field, "payload."+field); err != nil {
			return nil, err
		}
	}

	var payload PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, &DecodeError{Reason: "failed to parse payment payload", Err: err}
	}
	return &payload, nil
}

func requireString(m map[string]interface{}, key, path string) error {
	v, exists := m[key]
	if !exists {
		return &DecodeError{Reason: "missing required field: " + path}
	}
	s, ok := v.(string)
	if !ok {
		return &DecodeError{Reason: "invalid field type: " + path + " must be a string"}
	}
	if s == "" {
		return &DecodeError{Reason: "empty required field: " + path}
	}
	return nil
}

// EncodeInstrument converts raw instrument bytes to their transport form
func EncodeInstrument(raw RawInstrument) Instrument {
	return Instrument{
		Signature:   base64.StdEncoding.EncodeToString(raw.Signature),
		Transaction: base64.StdEncoding.EncodeToString(raw.Transaction),
	}
}

// DecodeInstrument base64-decodes both instrument blobs independently. Each
// must decode and be non-empty; their internal structure is left to the ledger.
func DecodeInstrument(instrument Instrument) (RawInstrument, error) {
	sig, err := base64.StdEncoding.DecodeString(instrument.Signature)
	if err != nil {
		return RawInstrument{}, &DecodeError{Reason: "signature is not valid base64", Err: err}
	}
	if len(sig) == 0 {
		return RawInstrument{}, &DecodeError{Reason: "signature is empty"}
	}

	tx, err := base64.StdEncoding.DecodeString(instrument.Transaction)
	if err != nil {
		return RawInstrument{}, &DecodeError{Reason: "transaction is not valid base64", Err: err}
	}
	if len(tx) == 0 {
		return RawInstrument{}, &DecodeError{Reason: "transaction is empty"}
	}

	return RawInstrument{Signature: sig, Transaction: tx}, nil
}

// EncodePaymentReceipt encodes a receipt for the X-Payment-Response header
func EncodePaymentReceipt(receipt PaymentReceipt) (string, error) {
	data, err := json.Marshal(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentReceipt accepts either the base64 or the plain JSON form of
// an X-Payment-Response header.
func DecodePaymentReceipt(header string) (*PaymentReceipt, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("payment receipt header is empty")
	}

	data := []byte(header)
	if !strings.HasPrefix(header, "{") {
		decoded, err := base64.StdEncoding.DecodeString(header)
		if err != nil {
			return nil, fmt.Errorf("invalid payment receipt: %w", err)
		}
		data = decoded
	}

	var receipt PaymentReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("invalid payment receipt: %w", err)
	}
	return &receipt, nil
}
