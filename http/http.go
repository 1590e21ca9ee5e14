// Package http provides the HTTP side of x402: the Gate that guards routes,
// the client for a remote facilitator and a paying round tripper.
package http

import (
	"net/http"
	"strings"
)

// Header names used on the wire
const (
	// HeaderPayment carries the base64 payment payload from client to server
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the base64 settlement receipt back to the client
	HeaderPaymentResponse = "X-Payment-Response"
)

// HTTPAdapter lets the Gate read a request without depending on a framework
type HTTPAdapter interface {
	GetHeader(name string) string
	GetMethod() string
	GetPath() string
	GetURL() string
}

// HTTPRequestContext is what the Gate needs to know about one request
type HTTPRequestContext struct {
	Adapter HTTPAdapter
	Path    string
	Method  string

	// PaymentHeader overrides the X-PAYMENT header read through the adapter
	PaymentHeader string
}

func (c HTTPRequestContext) method() string {
	if c.Method != "" {
		return c.Method
	}
	if c.Adapter != nil {
		return c.Adapter.GetMethod()
	}
	return ""
}

func (c HTTPRequestContext) path() string {
	if c.Path != "" {
		return c.Path
	}
	if c.Adapter != nil {
		return c.Adapter.GetPath()
	}
	return ""
}

func (c HTTPRequestContext) paymentHeader() string {
	if c.PaymentHeader != "" {
		return c.PaymentHeader
	}
	if c.Adapter != nil {
		return c.Adapter.GetHeader(HeaderPayment)
	}
	return ""
}

// ============================================================================
// net/http adapter
// ============================================================================

// RequestAdapter adapts *http.Request. Gin and Echo expose the underlying
// request, so all bundled middlewares share it.
type RequestAdapter struct {
	r *http.Request
}

// NewRequestAdapter wraps a standard library request
func NewRequestAdapter(r *http.Request) *RequestAdapter {
	return &RequestAdapter{r: r}
}

// NewRequestContext builds the Gate input for a standard library request
func NewRequestContext(r *http.Request) HTTPRequestContext {
	return HTTPRequestContext{
		Adapter: NewRequestAdapter(r),
		Path:    r.URL.Path,
		Method:  r.Method,
	}
}

func (a *RequestAdapter) GetHeader(name string) string { return a.r.Header.Get(name) }
func (a *RequestAdapter) GetMethod() string            { return a.r.Method }
func (a *RequestAdapter) GetPath() string              { return a.r.URL.Path }

// GetURL reconstructs the absolute request URL
func (a *RequestAdapter) GetURL() string {
	scheme := "http"
	if a.r.TLS != nil {
		scheme = "https"
	}
	if proto := a.r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(proto)
	}
	return scheme + "://" + a.r.Host + a.r.URL.RequestURI()
}
