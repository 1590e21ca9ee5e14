package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// ErrPaymentRetryExhausted is returned when a paid retry is answered with
// another 402
var ErrPaymentRetryExhausted = errors.New("x402: payment retry limit exceeded")

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client so 402 challenges
// are paid transparently with the given x402 client
func WrapHTTPClientWithPayment(client *http.Client, payer *x402.Client) *http.Client {
	if client == nil {
		client = &http.Client{}
	}

	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{
		Transport: originalTransport,
		Payer:     payer,
	}
	return &wrapped
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling.
// A request is paid at most once.
type PaymentRoundTripper struct {
	Transport http.RoundTripper
	Payer     *x402.Client

	// OnPayment, when set, observes the requirement paid for each retry
	OnPayment func(requirement x402.PaymentRequirement)
}

// RoundTrip implements http.RoundTripper
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Requests with a body are replayed, so buffer it first
	var body []byte
	if req.Body != nil && req.GetBody == nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to buffer request body: %w", err)
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challengeBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 response body: %w", err)
	}

	var challenge x402.PaymentRequired
	if err := json.Unmarshal(challengeBody, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	header, requirement, err := t.Payer.CreatePaymentHeader(ctx, challenge)
	if err != nil {
		return nil, fmt.Errorf("cannot fulfill payment requirements: %w", err)
	}
	if t.OnPayment != nil {
		t.OnPayment(requirement)
	}

	paymentReq := req.Clone(ctx)
	switch {
	case body != nil:
		paymentReq.Body = io.NopCloser(bytes.NewReader(body))
	case req.GetBody != nil:
		paymentReq.Body, err = req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
	}
	paymentReq.Header.Set(HeaderPayment, header)

	paid, err := t.Transport.RoundTrip(paymentReq)
	if err != nil {
		return nil, err
	}
	if paid.StatusCode == http.StatusPaymentRequired {
		msg, _ := io.ReadAll(paid.Body)
		paid.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrPaymentRetryExhausted, bytes.TrimSpace(msg))
	}
	return paid, nil
}

// ============================================================================
// Convenience Methods
// ============================================================================

// GetPaymentReceipt decodes the X-Payment-Response header of a paid response
func GetPaymentReceipt(resp *http.Response) (*x402.PaymentReceipt, error) {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, fmt.Errorf("response has no %s header", HeaderPaymentResponse)
	}
	return x402.DecodePaymentReceipt(header)
}

// GetWithPayment performs a GET request, paying a 402 challenge if needed
func GetWithPayment(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}
