package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient communicates with a remote facilitator over HTTP.
// It implements x402.FacilitatorClient.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
}

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s). Settlement waits for
	// finality, so this must exceed the slowest ledger's settlement timeout.
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string
}

// DefaultFacilitatorURL is used when no URL is configured
const DefaultFacilitatorURL = "http://localhost:4020"

// DefaultFacilitatorTimeout bounds one facilitator round trip
const DefaultFacilitatorTimeout = 30 * time.Second

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
var getSupportedRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultFacilitatorTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
	}
}

// Identifier names this facilitator in logs
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// Verify asks the facilitator to check a payment header
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, request x402.VerifyRequest) (*x402.VerifyResponse, error) {
	var response x402.VerifyResponse
	if err := c.post(ctx, "/verify", request, func(h AuthHeaders) map[string]string { return h.Verify }, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Settle asks the facilitator to commit a payment header to its ledger
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, request x402.SettleRequest) (*x402.SettleResponse, error) {
	var response x402.SettleResponse
	if err := c.post(ctx, "/settle", request, func(h AuthHeaders) map[string]string { return h.Settle }, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		if err := c.applyAuth(ctx, req, func(h AuthHeaders) map[string]string { return h.Supported }); err != nil {
			return x402.SupportedResponse{}, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}

		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			}
		}

		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, request interface{}, pick func(AuthHeaders) map[string]string, out interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := c.applyAuth(ctx, req, pick); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Expected payment failures come back as 200 with a negative result;
	// anything else means the facilitator could not answer
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, string(responseBody))
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *HTTPFacilitatorClient) applyAuth(ctx context.Context, req *http.Request, pick func(AuthHeaders) map[string]string) error {
	if c.authProvider == nil {
		return nil
	}
	authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth headers: %w", err)
	}
	for k, v := range pick(authHeaders) {
		req.Header.Set(k, v)
	}
	return nil
}

// ============================================================================
// Auth providers
// ============================================================================

// StaticAuthProvider sends the same bearer token to every endpoint
type StaticAuthProvider struct {
	token string
}

// NewStaticAuthProvider creates a bearer token provider
func NewStaticAuthProvider(token string) *StaticAuthProvider {
	return &StaticAuthProvider{token: token}
}

// GetAuthHeaders implements AuthProvider
func (p *StaticAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	header := map[string]string{"Authorization": "Bearer " + p.token}
	return AuthHeaders{Verify: header, Settle: header, Supported: header}, nil
}

// FuncAuthProvider adapts a function to AuthProvider
type FuncAuthProvider func(ctx context.Context) (AuthHeaders, error)

// NewFuncAuthProvider wraps fn as an AuthProvider
func NewFuncAuthProvider(fn func(ctx context.Context) (AuthHeaders, error)) FuncAuthProvider {
	return FuncAuthProvider(fn)
}

// GetAuthHeaders implements AuthProvider
func (f FuncAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	return f(ctx)
}
