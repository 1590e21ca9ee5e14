package stdlib_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/btwiuse/x402-vara-next-demo"
	x402http "github.com/btwiuse/x402-vara-next-demo/http"
	"github.com/btwiuse/x402-vara-next-demo/pkg/stdlib"
	"github.com/btwiuse/x402-vara-next-demo/test/mocks/cash"
)

func setup(t *testing.T) (http.Handler, *cash.Ledger, *x402.Client, *int) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledger := cash.NewLedger()
	facilitator := x402.NewFacilitator(x402.WithFacilitatorLogger(logger)).Register(cash.Network, ledger)
	gate, err := x402http.NewGate(x402http.RoutesConfig{
		"POST /reports": {Accepts: []x402.PaymentOption{{Network: cash.Network, Price: "250"}}},
	}, facilitator, x402http.WithRecipient("f00dbabe"), x402http.WithLogger(logger))
	require.NoError(t, err)

	calls := new(int)
	mux := http.NewServeMux()
	mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":1}`))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	handler := stdlib.PaymentMiddleware(gate, stdlib.WithLogger(logger))(mux)
	payer := x402.NewClient(x402.WithScheme(cash.Network, cash.NewWallet()))
	return handler, ledger, payer, calls
}

func do(handler http.Handler, method, path, payment string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if payment != "" {
		req.Header.Set(x402http.HeaderPayment, payment)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestPaymentMiddlewareFlow(t *testing.T) {
	handler, ledger, payer, calls := setup(t)

	challenge := do(handler, http.MethodPost, "/reports", "")
	require.Equal(t, http.StatusPaymentRequired, challenge.Code)
	assert.Equal(t, "application/json", challenge.Header().Get("Content-Type"))
	assert.Equal(t, 0, *calls)

	var required x402.PaymentRequired
	require.NoError(t, json.Unmarshal(challenge.Body.Bytes(), &required))
	require.Len(t, required.Accepts, 1)
	assert.Equal(t, "250", required.Accepts[0].MaxAmountRequired)

	header, _, err := payer.CreatePaymentHeader(context.Background(), required)
	require.NoError(t, err)

	paid := do(handler, http.MethodPost, "/reports", header)
	assert.Equal(t, http.StatusCreated, paid.Code)
	assert.JSONEq(t, `{"id":1}`, paid.Body.String())
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, ledger.Submissions())

	receipt, err := x402.DecodePaymentReceipt(paid.Header().Get(x402http.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "250", receipt.Amount)
	assert.Equal(t, x402.ReceiptStatusSettled, receipt.Status)

	replay := do(handler, http.MethodPost, "/reports", header)
	assert.Equal(t, http.StatusConflict, replay.Code)
	assert.Contains(t, replay.Body.String(), x402.ReasonInstrumentAlreadyUsed)
	assert.Empty(t, replay.Header().Get(x402http.HeaderPaymentResponse))
	assert.Equal(t, 1, *calls)
}

func TestPaymentMiddlewareRejectsGarbage(t *testing.T) {
	handler, ledger, _, calls := setup(t)

	rec := do(handler, http.MethodPost, "/reports", "garbage")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 0, *calls)
	assert.Equal(t, 0, ledger.Submissions())
}

func TestPaymentMiddlewarePassesUnprotectedRoutes(t *testing.T) {
	handler, _, _, calls := setup(t)

	rec := do(handler, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	// Only POST is priced
	rec = do(handler, http.MethodGet, "/reports", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, *calls)
}
