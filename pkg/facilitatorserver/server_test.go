package facilitatorserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/btwiuse/x402-vara-next-demo"
	"github.com/btwiuse/x402-vara-next-demo/auth"
	"github.com/btwiuse/x402-vara-next-demo/store"
	"github.com/btwiuse/x402-vara-next-demo/test/mocks/cash"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testSecret = []byte("facilitator-server-test-secret")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	server      *Server
	facilitator *x402.Facilitator
	settlements *store.SQLStore
	wallet      *cash.Wallet
	requirement x402.PaymentRequirement
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	settlements, err := store.Open(filepath.Join(t.TempDir(), "settlements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { settlements.Close() })

	facilitator := x402.NewFacilitator(x402.WithFacilitatorLogger(quietLogger())).
		Register(cash.Network, cash.NewLedger())
	store.Attach(facilitator, settlements)

	opts = append([]Option{WithLogger(quietLogger()), WithStore(settlements)}, opts...)
	return &fixture{
		server:      New(facilitator, opts...),
		facilitator: facilitator,
		settlements: settlements,
		wallet:      cash.NewWallet(),
		requirement: x402.PaymentRequirement{
			Scheme:            x402.SchemeExact,
			Network:           cash.Network,
			MaxAmountRequired: "2500",
			Resource:          "/report",
			PayTo:             "c0ffee",
			MaxTimeoutSeconds: 60,
		},
	}
}

func (fx *fixture) paymentHeader(t *testing.T) string {
	t.Helper()
	payload, err := x402.NewClient(x402.WithScheme(cash.Network, fx.wallet)).
		CreatePaymentPayload(context.Background(), fx.requirement)
	require.NoError(t, err)
	header, err := x402.EncodePaymentPayload(payload)
	require.NoError(t, err)
	return header
}

func (fx *fixture) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	fx.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Len(t, rec.Header().Get(HeaderRequestID), 36)
}

func TestRequestIDIsEchoed(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/health", nil, HeaderRequestID, "req-42")

	assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
}

func TestSupported(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/supported", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var supported x402.SupportedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &supported))
	require.Len(t, supported.Kinds, 1)
	assert.Equal(t, x402.SchemeExact, supported.Kinds[0].Scheme)
	assert.Equal(t, cash.Network, supported.Kinds[0].Network)
}

func TestVerify(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/verify", x402.VerifyRequest{
		ProtocolVersion:    x402.ProtocolVersion,
		PaymentHeader:      fx.paymentHeader(t),
		PaymentRequirement: fx.requirement,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var response x402.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.True(t, response.IsValid)
	assert.Equal(t, fx.wallet.Address(), response.Payer)
}

func TestVerifyReportsInvalidPaymentAsOK(t *testing.T) {
	fx := newFixture(t)
	other := fx.requirement
	other.MaxAmountRequired = "2501"

	rec := fx.do(t, http.MethodPost, "/verify", x402.VerifyRequest{
		ProtocolVersion:    x402.ProtocolVersion,
		PaymentHeader:      fx.paymentHeader(t),
		PaymentRequirement: other,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var response x402.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.False(t, response.IsValid)
	assert.Equal(t, x402.ReasonAmountMismatch, response.InvalidReason)
}

func TestRequestSchema(t *testing.T) {
	fx := newFixture(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{"protocolVersion":`, "invalid JSON"},
		{"missing header", `{"protocolVersion":1,"paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":"1","payTo":"c0ffee"}}`, "paymentHeader"},
		{"empty header", `{"protocolVersion":1,"paymentHeader":"","paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":"1","payTo":"c0ffee"}}`, "paymentHeader"},
		{"numeric amount", `{"protocolVersion":1,"paymentHeader":"abc","paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":1,"payTo":"c0ffee"}}`, "maxAmountRequired"},
		{"decimal amount", `{"protocolVersion":1,"paymentHeader":"abc","paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":"1.5","payTo":"c0ffee"}}`, "maxAmountRequired"},
		{"missing payTo", `{"protocolVersion":1,"paymentHeader":"abc","paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":"1"}}`, "payTo"},
		{"string version", `{"protocolVersion":"1","paymentHeader":"abc","paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":"1","payTo":"c0ffee"}}`, "protocolVersion"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, path := range []string{"/verify", "/settle"} {
				rec := fx.do(t, http.MethodPost, path, tt.body)
				assert.Equal(t, http.StatusBadRequest, rec.Code, path)
				assert.Contains(t, rec.Body.String(), tt.want, path)
			}
		})
	}
}

func TestSettleAndLookup(t *testing.T) {
	fx := newFixture(t)
	request := x402.SettleRequest{
		ProtocolVersion:    x402.ProtocolVersion,
		PaymentHeader:      fx.paymentHeader(t),
		PaymentRequirement: fx.requirement,
	}

	rec := fx.do(t, http.MethodPost, "/settle", request)
	require.Equal(t, http.StatusOK, rec.Code)
	var first x402.SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.True(t, first.Success, first.Error)
	assert.Equal(t, cash.Network, first.NetworkID)

	rec = fx.do(t, http.MethodPost, "/settle", request)
	require.Equal(t, http.StatusOK, rec.Code)
	var replay x402.SettleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replay))
	assert.False(t, replay.Success)
	assert.Equal(t, x402.ReasonInstrumentAlreadyUsed, replay.Error)

	rec = fx.do(t, http.MethodGet, "/settlements/"+first.TxHash, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view settlementView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "settled", view.Status)
	assert.Equal(t, "2500", view.Amount)
	assert.Equal(t, "c0ffee", view.PayTo)

	rec = fx.do(t, http.MethodGet, "/settlements?payer="+fx.wallet.Address(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Settlements []settlementView `json:"settlements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Settlements, 1)
	assert.Equal(t, first.TxHash, list.Settlements[0].TxHash)

	rec = fx.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"settled":1,"failed":1}`, rec.Body.String())
}

func TestSettlementQueries(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, http.StatusNotFound, fx.do(t, http.MethodGet, "/settlements/0xmissing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/settlements", nil).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/settlements?payer=ab&limit=zero", nil).Code)
	assert.Equal(t, http.StatusBadRequest, fx.do(t, http.MethodGet, "/settlements?payer=ab&limit=-1", nil).Code)
	assert.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/settlements?payer=ab&limit=9999", nil).Code)
}

func TestSettlementsDisabledWithoutStore(t *testing.T) {
	facilitator := x402.NewFacilitator(x402.WithFacilitatorLogger(quietLogger())).
		Register(cash.Network, cash.NewLedger())
	server := New(facilitator, WithLogger(quietLogger()))

	req := httptest.NewRequest(http.MethodGet, "/settlements?payer=ab", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuth(t *testing.T) {
	verifier := auth.NewJWTVerifier(testSecret)
	fx := newFixture(t, WithAuth(verifier))
	token, err := verifier.Generate("weather-api", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, fx.do(t, http.MethodGet, "/supported", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, fx.do(t, http.MethodPost, "/verify", "{}").Code)
	assert.Equal(t, http.StatusUnauthorized, fx.do(t, http.MethodGet, "/supported", nil, "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusOK, fx.do(t, http.MethodGet, "/supported", nil, "Authorization", "Bearer "+token).Code)
}

func TestAuthWithHTTPFacilitatorTokens(t *testing.T) {
	verifier := auth.NewJWTVerifier(testSecret)
	fx := newFixture(t, WithAuth(verifier))

	headers, err := auth.NewJWTAuthProvider(testSecret, "weather-api", time.Minute).GetAuthHeaders(context.Background())
	require.NoError(t, err)

	rec := fx.do(t, http.MethodPost, "/verify", x402.VerifyRequest{
		ProtocolVersion:    x402.ProtocolVersion,
		PaymentHeader:      fx.paymentHeader(t),
		PaymentRequirement: fx.requirement,
	}, "Authorization", headers.Verify["Authorization"])

	assert.Equal(t, http.StatusOK, rec.Code)
}

// failingFacilitator cannot be consulted at all
type failingFacilitator struct{}

func (failingFacilitator) Verify(ctx context.Context, request x402.VerifyRequest) (*x402.VerifyResponse, error) {
	return nil, errors.New("hook exploded")
}

func (failingFacilitator) Settle(ctx context.Context, request x402.SettleRequest) (*x402.SettleResponse, error) {
	return nil, errors.New("hook exploded")
}

func (failingFacilitator) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	return x402.SupportedResponse{}, errors.New("registry unavailable")
}

func TestFacilitatorErrorsAre500(t *testing.T) {
	server := New(failingFacilitator{}, WithLogger(quietLogger()))
	body := `{"protocolVersion":1,"paymentHeader":"abc","paymentRequirements":{"scheme":"exact","network":"testnet","maxAmountRequired":"1","payTo":"c0ffee"}}`

	for _, path := range []string{"/verify", "/settle"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "hook exploded", path)
	}

	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fx.server.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
