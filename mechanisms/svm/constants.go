package svm

import (
	"time"

	"github.com/gagliardetto/solana-go/rpc"
)

const (
	// Network identifiers
	NetworkMainnet = "solana"
	NetworkDevnet  = "solana-devnet"
	NetworkTestnet = "solana-testnet"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// DefaultComputeUnitLimit covers one compute budget and one transfer instruction
	DefaultComputeUnitLimit uint32 = 6500

	// DefaultSettlementTimeout bounds submission plus confirmation
	DefaultSettlementTimeout = time.Minute

	// DefaultPollInterval is the signature status polling period
	DefaultPollInterval = time.Second

	// Maximum compute budget instructions accepted next to the transfer
	MaxComputeBudgetInstructions = 2
)

// NetworkConfigs lists the networks known out of the box
var NetworkConfigs = map[string]NetworkConfig{
	NetworkMainnet: {
		RPCURL: rpc.MainNetBeta_RPC,
		DefaultAsset: AssetInfo{
			Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", // USDC
			Decimals: DefaultDecimals,
		},
	},
	NetworkDevnet: {
		RPCURL: rpc.DevNet_RPC,
		DefaultAsset: AssetInfo{
			Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", // USDC devnet
			Decimals: DefaultDecimals,
		},
	},
	NetworkTestnet: {
		RPCURL: rpc.TestNet_RPC,
	},
}

// AssetInfo describes an SPL token mint
type AssetInfo struct {
	Address  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	RPCURL       string
	DefaultAsset AssetInfo
}

// GetNetworkConfig returns the configuration of a known network
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	config, ok := NetworkConfigs[network]
	return config, ok
}
