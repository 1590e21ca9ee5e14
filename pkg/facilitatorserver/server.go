// Package facilitatorserver exposes an x402 facilitator over HTTP with gin:
// POST /verify, POST /settle, GET /supported and GET /health, plus read
// access to the settlement log when one is configured.
package facilitatorserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	x402 "github.com/btwiuse/x402-vara-next-demo"
	"github.com/btwiuse/x402-vara-next-demo/auth"
	"github.com/btwiuse/x402-vara-next-demo/store"
)

// HeaderRequestID carries the request id in both directions
const HeaderRequestID = "X-Request-ID"

const (
	defaultListLimit = 50
	maxListLimit     = 500
	shutdownTimeout  = 10 * time.Second
)

// Server serves a facilitator over HTTP
type Server struct {
	facilitator x402.FacilitatorClient
	verifier    auth.TokenVerifier
	settlements *store.SQLStore
	logger      *slog.Logger
	engine      *gin.Engine
}

// Option configures a Server
type Option func(*Server)

// WithAuth requires a valid bearer token on every endpoint except /health
func WithAuth(verifier auth.TokenVerifier) Option {
	return func(s *Server) {
		s.verifier = verifier
	}
}

// WithStore enables the /settlements endpoints
func WithStore(settlements *store.SQLStore) Option {
	return func(s *Server) {
		s.settlements = settlements
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds the gin engine for facilitator
func New(facilitator x402.FacilitatorClient, opts ...Option) *Server {
	s := &Server{
		facilitator: facilitator,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "facilitator_server")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())

	router.GET("/health", s.health)

	api := router.Group("/")
	if s.verifier != nil {
		api.Use(auth.GinMiddleware(s.verifier))
	}
	api.POST("/verify", s.verify)
	api.POST("/settle", s.settle)
	api.GET("/supported", s.supported)
	if s.settlements != nil {
		api.GET("/settlements", s.listSettlements)
		api.GET("/settlements/:txHash", s.getSettlement)
		api.GET("/stats", s.stats)
	}

	s.engine = router
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. In-flight settlements are allowed to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("facilitator listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// requestLogger tags each request with an id and logs its outcome
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		start := time.Now()
		c.Next()

		s.logger.Debug("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) supported(c *gin.Context) {
	supported, err := s.facilitator.GetSupported(c.Request.Context())
	if err != nil {
		s.logger.Error("get supported failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, supported)
}

func (s *Server) verify(c *gin.Context) {
	var request x402.VerifyRequest
	if !s.bindRequest(c, &request) {
		return
	}

	response, err := s.facilitator.Verify(c.Request.Context(), request)
	if err != nil {
		s.logger.Error("verify failed", "network", request.PaymentRequirement.Network, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) settle(c *gin.Context) {
	var request x402.SettleRequest
	if !s.bindRequest(c, &request) {
		return
	}

	response, err := s.facilitator.Settle(c.Request.Context(), request)
	if err != nil {
		s.logger.Error("settle failed", "network", request.PaymentRequirement.Network, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, response)
}

// bindRequest validates the raw body against the request schema before
// decoding it into out. On failure it writes a 400 and returns false.
func (s *Server) bindRequest(c *gin.Context, out interface{}) bool {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return false
	}
	if err := validateRequest(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

// settlementView is the JSON form of a logged settlement
type settlementView struct {
	ID         string `json:"id"`
	TxHash     string `json:"txHash,omitempty"`
	Network    string `json:"network"`
	Scheme     string `json:"scheme"`
	Payer      string `json:"payer,omitempty"`
	PayTo      string `json:"payTo"`
	Amount     string `json:"amount"`
	Asset      string `json:"asset,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
	CreatedAt  int64  `json:"createdAt"`
}

func newSettlementView(rec *store.SettlementRecord) settlementView {
	return settlementView{
		ID:         rec.ID,
		TxHash:     rec.TxHash,
		Network:    rec.Network,
		Scheme:     rec.Scheme,
		Payer:      rec.Payer,
		PayTo:      rec.PayTo,
		Amount:     rec.Amount,
		Asset:      rec.Asset,
		Status:     string(rec.Status),
		Error:      rec.Error,
		DurationMs: rec.Duration.Milliseconds(),
		CreatedAt:  rec.CreatedAt.Unix(),
	}
}

func (s *Server) getSettlement(c *gin.Context) {
	rec, err := s.settlements.GetByTxHash(c.Request.Context(), c.Param("txHash"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("settlement lookup failed", "tx_hash", c.Param("txHash"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement lookup failed"})
		return
	}
	c.JSON(http.StatusOK, newSettlementView(rec))
}

func (s *Server) listSettlements(c *gin.Context) {
	payer := c.Query("payer")
	if payer == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payer query parameter is required"})
		return
	}
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := s.settlements.ListByPayer(c.Request.Context(), payer, limit)
	if err != nil {
		s.logger.Error("settlement list failed", "payer", payer, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement list failed"})
		return
	}
	views := make([]settlementView, 0, len(records))
	for _, rec := range records {
		views = append(views, newSettlementView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"settlements": views})
}

func (s *Server) stats(c *gin.Context) {
	counts, err := s.settlements.CountByStatus(c.Request.Context())
	if err != nil {
		s.logger.Error("settlement count failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement count failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"settled": counts[store.StatusSettled],
		"failed":  counts[store.StatusFailed],
	})
}
