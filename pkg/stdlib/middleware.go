// Package stdlib adapts the x402 Gate to net/http handlers.
package stdlib

import (
	"encoding/json"
	"log/slog"
	"net/http"

	x402http "github.com/btwiuse/x402-vara-next-demo/http"
)

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Logger *slog.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithLogger is an option for the PaymentMiddleware to set the logger.
func WithLogger(logger *slog.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware is the Go standard library middleware for the resource
// server. Requests to routes the gate does not protect pass straight
// through; protected handlers run only after the payment has settled.
func PaymentMiddleware(gate *x402http.Gate, opts ...Options) func(http.Handler) http.Handler {
	options := &PaymentMiddlewareOptions{
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.Logger.With("component", "stdlib_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := gate.ProcessHTTPRequest(r.Context(), x402http.NewRequestContext(r))
			if !result.Deliver() {
				writeJSON(w, result.StatusCode, result.Body, logger)
				return
			}

			if result.ReceiptHeader != "" {
				w.Header().Set(x402http.HeaderPaymentResponse, result.ReceiptHeader)
			}

			// Proceed to the next handler
			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON writes a gate response body with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, body interface{}, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write payment response", "status", statusCode, "error", err)
	}
}
