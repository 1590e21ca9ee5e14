// Package gin adapts the x402 Gate to gin handlers.
package gin

import (
	"log/slog"

	"github.com/gin-gonic/gin"

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

// PaymentMiddleware is the gin middleware for the resource server. Gate
// rejections abort the chain with the gate's status and JSON body.
func PaymentMiddleware(gate *x402http.Gate, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	logger := options.Logger.With("component", "gin_middleware")

	return func(c *gin.Context) {
		result := gate.ProcessHTTPRequest(c.Request.Context(), x402http.HTTPRequestContext{
			Adapter: x402http.NewRequestAdapter(c.Request),
			Path:    c.Request.URL.Path,
			Method:  c.Request.Method,
		})
		if !result.Deliver() {
			logger.Debug("request not delivered", "path", c.Request.URL.Path, "status", result.StatusCode, "state", result.State.String())
			c.AbortWithStatusJSON(result.StatusCode, result.Body)
			return
		}

		if result.ReceiptHeader != "" {
			c.Header(x402http.HeaderPaymentResponse, result.ReceiptHeader)
		}
		if result.Settlement != nil {
			c.Set(ContextKeyTxHash, result.Settlement.TxHash)
			c.Set(ContextKeyPayer, result.Settlement.Payer)
		}

		c.Next()
	}
}
