// Command x402-gate puts x402 payment requirements in front of HTTP routes.
// Paid requests are proxied to an upstream or answered by a demo handler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/btwiuse/x402-vara-next-demo/auth"
	"github.com/btwiuse/x402-vara-next-demo/config"
	x402http "github.com/btwiuse/x402-vara-next-demo/http"
	echox402 "github.com/btwiuse/x402-vara-next-demo/pkg/echo"
	ginx402 "github.com/btwiuse/x402-vara-next-demo/pkg/gin"
	"github.com/btwiuse/x402-vara-next-demo/pkg/stdlib"
)

var version = "dev"

const banner = `
       _  _    ___ ____                    _
 __  _| || |  / _ \___ \    __ _  __ _| |_ ___
 \ \/ / || |_| | | |__) |  / _' |/ _' | __/ _ \
  >  <|__   _| |_| / __/  | (_| | (_| | ||  __/
 /_/\_\  |_|  \___/_____|  \__, |\__,_|\__\___|
                           |___/
`

func main() {
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded .env")
	}

	configPath := flag.String("config", envOr("X402_GATE_CONFIG", "gate.yaml"), "path to the YAML or TOML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadGate(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)
	printBanner(configPath, cfg)

	facilitatorConfig := &x402http.FacilitatorConfig{
		URL:     cfg.Facilitator.URL,
		Timeout: cfg.Facilitator.Timeout,
	}
	if cfg.Facilitator.JWTSecret != "" {
		facilitatorConfig.AuthProvider = auth.NewJWTAuthProvider([]byte(cfg.Facilitator.JWTSecret), cfg.Facilitator.Subject, auth.DefaultTokenTTL)
	}
	facilitator := x402http.NewHTTPFacilitatorClient(facilitatorConfig)

	gate, err := x402http.NewGate(cfg.Routes, facilitator,
		x402http.WithLogger(logger),
		x402http.WithRecipient(cfg.PayTo),
		x402http.WithResourceRootURL(cfg.Server.ResourceRootURL),
	)
	if err != nil {
		return fmt.Errorf("building gate: %w", err)
	}

	checkSupported(ctx, facilitator, logger)

	resource, err := resourceHandler(cfg.Server.Upstream)
	if err != nil {
		return err
	}

	var handler http.Handler
	switch cfg.Server.Framework {
	case config.FrameworkGin:
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
		router.Use(ginx402.PaymentMiddleware(gate, ginx402.WithLogger(logger)))
		router.NoRoute(gin.WrapH(resource))
		handler = router
	case config.FrameworkEcho:
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.GET("/health", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })
		paid := e.Group("", echox402.PaymentMiddleware(gate, echox402.WithLogger(logger)))
		paid.Any("/*", echo.WrapHandler(resource))
		handler = e
	default:
		mux := http.NewServeMux()
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status":"ok"}`)
		})
		mux.Handle("/", stdlib.PaymentMiddleware(gate, stdlib.WithLogger(logger))(resource))
		handler = mux
	}

	return serve(ctx, cfg.Server.Addr, handler, logger)
}

// checkSupported warns about routes the facilitator cannot settle
func checkSupported(ctx context.Context, facilitator *x402http.HTTPFacilitatorClient, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	supported, err := facilitator.GetSupported(ctx)
	if err != nil {
		logger.Warn("facilitator unreachable at startup", "url", facilitator.Identifier(), "error", err)
		return
	}
	for _, kind := range supported.Kinds {
		logger.Info("facilitator supports", "scheme", kind.Scheme, "network", kind.Network)
	}
}

// resourceHandler proxies to upstream, or serves a JSON acknowledgement
// when no upstream is configured
func resourceHandler(upstream string) (http.Handler, error) {
	if upstream == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"message":"payment accepted","path":%q,"timestamp":%q}`, r.URL.Path, time.Now().UTC().Format(time.RFC3339))
		}), nil
	}
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream: %w", err)
	}
	return httputil.NewSingleHostReverseProxy(target), nil
}

func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gate listening", "addr", addr)
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

	// Settlements in flight keep running until the facilitator answers
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printBanner(configPath string, cfg *config.GateConfig) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:      %s ", cfg.Server.Addr)
	gray.Printf("(%s)\n", cfg.Server.Framework)
	green.Print("    ▶ ")
	fmt.Printf("Facilitator: %s", cfg.Facilitator.URL)
	if cfg.Facilitator.JWTSecret != "" {
		yellow.Print(" [jwt]")
	}
	fmt.Println()
	if cfg.Server.Upstream != "" {
		green.Print("    ▶ ")
		fmt.Printf("Upstream:    %s\n", cfg.Server.Upstream)
	}
	for pattern, route := range cfg.Routes {
		green.Print("    ▶ ")
		fmt.Printf("Route:       %s ", pattern)
		gray.Printf("(%d payment options)\n", len(route.Accepts))
	}
	fmt.Println()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
