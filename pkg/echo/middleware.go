// Package echo adapts the x402 Gate to echo handlers.
package echo

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	x402http "github.com/btwiuse/x402-vara-next-demo/http"
)

// Context keys set on delivered requests
const (
	ContextKeyTxHash = "x402.txHash"
	ContextKeyPayer  = "x402.payer"
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

// PaymentMiddleware is the echo middleware for the resource server
func PaymentMiddleware(gate *x402http.Gate, opts ...Options) echo.MiddlewareFunc {
	options := &PaymentMiddlewareOptions{
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.Logger.With("component", "echo_middleware")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			result := gate.ProcessHTTPRequest(req.Context(), x402http.NewRequestContext(req))
			if !result.Deliver() {
				logger.Debug("request not delivered", "path", req.URL.Path, "status", result.StatusCode, "state", result.State.String())
				return c.JSON(result.StatusCode, result.Body)
			}

			if result.ReceiptHeader != "" {
				c.Response().Header().Set(x402http.HeaderPaymentResponse, result.ReceiptHeader)
			}
			if result.Settlement != nil {
				c.Set(ContextKeyTxHash, result.Settlement.TxHash)
				c.Set(ContextKeyPayer, result.Settlement.Payer)
			}
			return next(c)
		}
	}
}
