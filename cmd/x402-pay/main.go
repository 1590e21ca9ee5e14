// Command x402-pay fetches a URL and pays a 402 challenge with an EVM or
// Solana key.
//
//	X402_EVM_PRIVATE_KEY=0x... x402-pay -evm-rpc https://sepolia.base.org http://localhost:4021/weather
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	x402 "github.com/btwiuse/x402-vara-next-demo"
	x402http "github.com/btwiuse/x402-vara-next-demo/http"
	"github.com/btwiuse/x402-vara-next-demo/mechanisms/evm"
	"github.com/btwiuse/x402-vara-next-demo/mechanisms/svm"
)

type options struct {
	url     string
	method  string
	timeout time.Duration

	evmKey     string
	evmRPC     string
	evmNetwork string

	svmKey     string
	svmRPC     string
	svmNetwork string
}

func main() {
	_ = godotenv.Load()

	var opts options
	flag.StringVar(&opts.method, "method", http.MethodGet, "HTTP method")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall request timeout, including settlement")
	flag.StringVar(&opts.evmKey, "evm-key", os.Getenv("X402_EVM_PRIVATE_KEY"), "hex EVM private key")
	flag.StringVar(&opts.evmRPC, "evm-rpc", os.Getenv("X402_EVM_RPC_URL"), "EVM JSON-RPC endpoint")
	flag.StringVar(&opts.evmNetwork, "evm-network", evm.NetworkBaseSepolia, "EVM network name")
	flag.StringVar(&opts.svmKey, "svm-key", os.Getenv("X402_SVM_PRIVATE_KEY"), "base58 Solana private key")
	flag.StringVar(&opts.svmRPC, "svm-rpc", os.Getenv("X402_SVM_RPC_URL"), "Solana RPC endpoint (defaults to the cluster's public endpoint)")
	flag.StringVar(&opts.svmNetwork, "svm-network", svm.NetworkDevnet, "Solana network name")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: x402-pay [flags] <url>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	opts.url = flag.Arg(0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		color.New(color.FgRed, color.Bold).Fprint(os.Stderr, "✗ ")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	payer, err := buildPayer(ctx, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	client := &http.Client{
		Transport: &x402http.PaymentRoundTripper{
			Transport: http.DefaultTransport,
			Payer:     payer,
			OnPayment: func(requirement x402.PaymentRequirement) {
				green.Print("▶ ")
				fmt.Printf("paying %s ", requirement.MaxAmountRequired)
				gray.Printf("(%s %s to %s)\n", requirement.Network, assetName(requirement), requirement.PayTo)
			},
		},
	}

	req, err := http.NewRequestWithContext(ctx, opts.method, opts.url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	statusColor := green
	if resp.StatusCode >= 400 {
		statusColor = color.New(color.FgRed)
	}
	statusColor.Printf("%s\n", resp.Status)

	if receipt, err := x402http.GetPaymentReceipt(resp); err == nil {
		green.Print("▶ ")
		fmt.Printf("settled %s on %s\n", receipt.Amount, receipt.Network)
		gray.Printf("  tx %s\n", receipt.TxHash)
	}
	fmt.Println(string(body))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with %s", resp.Status)
	}
	return nil
}

// buildPayer registers a builder for each key given
func buildPayer(ctx context.Context, opts options) (*x402.Client, error) {
	payer := x402.NewClient()
	registered := 0

	if opts.evmKey != "" {
		network, ok := evm.GetNetworkConfig(opts.evmNetwork)
		if !ok {
			return nil, fmt.Errorf("unknown evm network %q", opts.evmNetwork)
		}
		if opts.evmRPC == "" {
			return nil, fmt.Errorf("-evm-rpc is required with an EVM key")
		}
		backend, err := evm.Dial(ctx, opts.evmRPC, network.ChainID)
		if err != nil {
			return nil, err
		}
		client, err := evm.NewExactEvmClientFromHex(opts.evmKey, new(big.Int).Set(network.ChainID), backend)
		if err != nil {
			return nil, err
		}
		payer.RegisterScheme(x402.Network(opts.evmNetwork), client)
		registered++
		fmt.Printf("EVM payer %s on %s\n", client.Address(), opts.evmNetwork)
	}

	if opts.svmKey != "" {
		rpcURL := opts.svmRPC
		if rpcURL == "" {
			network, ok := svm.GetNetworkConfig(opts.svmNetwork)
			if !ok {
				return nil, fmt.Errorf("unknown svm network %q; pass -svm-rpc", opts.svmNetwork)
			}
			rpcURL = network.RPCURL
		}
		client, err := svm.NewExactSvmClientFromBase58(opts.svmKey, svm.NewRPCBackend(rpcURL))
		if err != nil {
			return nil, err
		}
		payer.RegisterScheme(x402.Network(opts.svmNetwork), client)
		registered++
		fmt.Printf("SVM payer %s on %s\n", client.Address(), opts.svmNetwork)
	}

	if registered == 0 {
		return nil, fmt.Errorf("no payer key: set -evm-key or -svm-key")
	}
	return payer, nil
}

func assetName(requirement x402.PaymentRequirement) string {
	if requirement.IsNative() {
		return "native"
	}
	return requirement.Asset
}
