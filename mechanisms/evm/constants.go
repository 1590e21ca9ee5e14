package evm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Gas limits used by the instrument builder. The payer signs the whole
	// transaction, so these are part of what it pays for.
	NativeTransferGasLimit uint64 = 21000
	ERC20TransferGasLimit  uint64 = 100000

	// Default token decimals for USDC
	DefaultDecimals = 6

	// DefaultSettlementTimeout bounds submission plus receipt polling
	DefaultSettlementTimeout = 2 * time.Minute

	// DefaultPollInterval is the receipt polling period
	DefaultPollInterval = 2 * time.Second

	// Network identifiers
	NetworkBase        = "base"
	NetworkBaseSepolia = "base-sepolia"
	NetworkEthereum    = "ethereum"
	NetworkSepolia     = "sepolia"
)

var (
	// transferSelector is keccak256("transfer(address,uint256)")[:4]
	transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

	// TransferEventTopic is keccak256("Transfer(address,address,uint256)")
	TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// ERC20TransferABI describes the only call an ERC-20 instrument may make
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)
	ChainIDEthereum    = big.NewInt(1)
	ChainIDSepolia     = big.NewInt(11155111)

	// NetworkConfigs lists the networks known out of the box
	NetworkConfigs = map[string]NetworkConfig{
		NetworkBase: {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Decimals: DefaultDecimals,
			},
		},
		NetworkBaseSepolia: {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
		NetworkEthereum: {
			ChainID: ChainIDEthereum,
			DefaultAsset: AssetInfo{
				Address:  "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
				Name:     "USD Coin",
				Decimals: DefaultDecimals,
			},
		},
		NetworkSepolia: {
			ChainID: ChainIDSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
	}
)

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// GetNetworkConfig returns the configuration of a known network
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	config, ok := NetworkConfigs[network]
	return config, ok
}
