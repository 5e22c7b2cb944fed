package config

import "fmt"

const (
	MainnetChainID  = uint64(1)
	SepoliaChainID  = uint64(11155111)
	BaseChainID     = uint64(8453)
	BaseSepoliaID   = uint64(84532)
	ArbitrumChainID = uint64(42161)
)

var explorers = map[uint64]string{
	MainnetChainID:  "https://etherscan.io",
	SepoliaChainID:  "https://sepolia.etherscan.io",
	BaseChainID:     "https://basescan.org",
	BaseSepoliaID:   "https://sepolia.basescan.org",
	ArbitrumChainID: "https://arbiscan.io",
}

func IsMainnet(chainID uint64) bool {
	return chainID == MainnetChainID
}

// ExplorerURL returns the block explorer of chainID, or "" when unknown.
func ExplorerURL(chainID uint64) string {
	return explorers[chainID]
}

// TransactionURL links a transaction on the chain's explorer.
func TransactionURL(chainID uint64, txHash string) string {
	base := ExplorerURL(chainID)
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", base, txHash)
}

// UserOperationURL links a user operation on jiffyscan, which indexes every
// major bundler.
func UserOperationURL(chainID uint64, userOpHash string) string {
	if ExplorerURL(chainID) == "" {
		return ""
	}
	return fmt.Sprintf("https://jiffyscan.xyz/userOpHash/%s", userOpHash)
}
