package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// Network identifies a chain the simulator can fork.
type Network string

const (
	Mainnet  Network = "mainnet"
	Sepolia  Network = "sepolia"
	Holesky  Network = "holesky"
	Arbitrum Network = "arbitrum"
	Optimism Network = "optimism"
	Base     Network = "base"
)

var chainIDs = map[Network]int64{
	Mainnet:  1,
	Sepolia:  11155111,
	Holesky:  17000,
	Arbitrum: 42161,
	Optimism: 10,
	Base:     8453,
}

// ParseNetwork accepts a network name (case-insensitive).
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := chainIDs[n]; !ok {
		return "", fmt.Errorf("unknown network %q", s)
	}
	return n, nil
}

func (n Network) String() string { return string(n) }

// ChainID returns the EIP-155 chain id.
func (n Network) ChainID() *big.Int {
	return big.NewInt(chainIDs[n])
}

// ChainConfig returns the execution rules used to replay blocks of n.
// Rollups reuse mainnet's fork schedule under their own chain id: their L2
// blocks activate the same EVM upgrades close enough to mainnet timing for
// replay purposes.
func (n Network) ChainConfig() *params.ChainConfig {
	switch n {
	case Mainnet:
		return params.MainnetChainConfig
	case Sepolia:
		return params.SepoliaChainConfig
	case Holesky:
		return params.HoleskyChainConfig
	default:
		cfg := *params.MainnetChainConfig
		cfg.ChainID = n.ChainID()
		return &cfg
	}
}
