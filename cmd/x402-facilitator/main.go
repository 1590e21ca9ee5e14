// Command x402-facilitator verifies and settles x402 payments for resource
// servers on the EVM chains and Solana clusters named in its config.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	x402 "github.com/btwiuse/x402-vara-next-demo"
	"github.com/btwiuse/x402-vara-next-demo/auth"
	"github.com/btwiuse/x402-vara-next-demo/config"
	"github.com/btwiuse/x402-vara-next-demo/mechanisms/evm"
	"github.com/btwiuse/x402-vara-next-demo/mechanisms/svm"
	"github.com/btwiuse/x402-vara-next-demo/pkg/facilitatorserver"
	"github.com/btwiuse/x402-vara-next-demo/store"
)

var version = "dev"

const banner = `
       _  _    ___ ____    __            _ _ _ _        _
 __  _| || |  / _ \___ \  / _| __ _  ___(_) (_) |_ __ _| |_ ___  _ __
 \ \/ / || |_| | | |__) || |_ / _' |/ __| | | | __/ _' | __/ _ \| '__|
  >  <|__   _| |_| / __/ |  _| (_| | (__| | | | || (_| | || (_) | |
 /_/\_\  |_|  \___/_____||_|  \__,_|\___|_|_|_|\__\__,_|\__\___/|_|
`

func main() {
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded .env")
	}

	configPath := flag.String("config", envOr("X402_FACILITATOR_CONFIG", "facilitator.yaml"), "path to the YAML or TOML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadFacilitator(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := config.NewLogger(cfg.Logging, os.Stdout)
	printBanner(configPath, cfg)

	facilitator := x402.NewFacilitator(x402.WithFacilitatorLogger(logger))

	for _, n := range cfg.EVM {
		chainID := big.NewInt(n.ChainID)
		client, err := evm.Dial(ctx, n.RPCURL, chainID)
		if err != nil {
			return fmt.Errorf("evm network %s: %w", n.Network, err)
		}
		defer client.Close()

		facilitator.Register(x402.Network(n.Network), evm.NewExactEvmLedger(client, chainID,
			evm.WithSettlementTimeout(n.SettlementTimeout),
			evm.WithConfirmations(n.Confirmations),
			evm.WithLogger(logger),
		))
		logger.Info("registered evm network", "network", n.Network, "chain_id", n.ChainID)
	}

	for _, n := range cfg.SVM {
		opts := []svm.LedgerOption{
			svm.WithSettlementTimeout(n.SettlementTimeout),
			svm.WithLogger(logger),
		}
		if n.Finalized {
			opts = append(opts, svm.WithFinalized())
		}
		facilitator.Register(x402.Network(n.Network), svm.NewExactSvmLedger(svm.NewRPCBackend(n.RPCURL), opts...))
		logger.Info("registered svm network", "network", n.Network)
	}

	serverOpts := []facilitatorserver.Option{facilitatorserver.WithLogger(logger)}

	if cfg.Database.Path != "" {
		settlements, err := store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening settlement log: %w", err)
		}
		defer settlements.Close()
		store.Attach(facilitator, settlements)
		serverOpts = append(serverOpts, facilitatorserver.WithStore(settlements))
	}

	if cfg.Auth.JWTSecret != "" {
		serverOpts = append(serverOpts, facilitatorserver.WithAuth(auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))))
	} else {
		logger.Warn("authentication disabled; any caller can settle through this facilitator")
	}

	gin.SetMode(gin.ReleaseMode)
	return facilitatorserver.New(facilitator, serverOpts...).ListenAndServe(ctx, cfg.Server.Addr)
}

func printBanner(configPath string, cfg *config.FacilitatorConfig) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.Addr)
	for _, n := range cfg.EVM {
		green.Print("    ▶ ")
		fmt.Printf("EVM:       %s ", n.Network)
		gray.Printf("(chain %d)\n", n.ChainID)
	}
	for _, n := range cfg.SVM {
		green.Print("    ▶ ")
		fmt.Printf("SVM:       %s\n", n.Network)
	}
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Log:       %s\n", cfg.Database.Path)
	}
	fmt.Println()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
