package app

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/pool"
	"github.com/pulkyeet/mev-simulator/internal/registry"
)

// DefaultPools are tracked when no pool is configured.
var DefaultPools = []string{
	"USDC/WETH:500:v3",
	"USDC/WETH:3000:v3",
	"USDC/WETH:3000:v2",
}

var errPoolSpec = errors.New("invalid pool spec")

// defaultExchange names the factory a symbol spec is derived from.
func defaultExchange(kind pool.Kind) string {
	if kind == pool.KindV3 {
		return "uniswap-v3"
	}
	return "uniswap"
}

// ParsePool reads one pool spec. Two forms are accepted:
//
//	SYMA/SYMB:fee:kind[@exchange]        address derived from the factory
//	0xpool:0xtokenA:0xtokenB:fee:kind    explicit
func ParsePool(reg *registry.Registry, network eth.Network, spec string) (*pool.Descriptor, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	switch {
	case len(parts) == 3 && strings.Contains(parts[0], "/"):
		return derivePool(reg, network, parts)
	case len(parts) == 5:
		for _, p := range parts[:3] {
			if !common.IsHexAddress(p) {
				return nil, fmt.Errorf("%w %q: bad address %q", errPoolSpec, spec, p)
			}
		}
		fee, kind, err := feeAndKind(parts[3], parts[4])
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", errPoolSpec, spec, err)
		}
		return pool.New(network, common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), common.HexToAddress(parts[2]), fee, kind)
	}
	return nil, fmt.Errorf("%w %q", errPoolSpec, spec)
}

func derivePool(reg *registry.Registry, network eth.Network, parts []string) (*pool.Descriptor, error) {
	kindName, exchangeName, _ := strings.Cut(parts[2], "@")
	fee, kind, err := feeAndKind(parts[1], kindName)
	if err != nil {
		return nil, err
	}
	if exchangeName == "" {
		exchangeName = defaultExchange(kind)
	}
	exchange, ok := reg.Exchange(network, exchangeName)
	if !ok {
		return nil, fmt.Errorf("unknown exchange %q on %s", exchangeName, network)
	}

	symA, symB, _ := strings.Cut(parts[0], "/")
	tokA, ok := reg.Token(network, strings.ToUpper(symA))
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownToken, symA)
	}
	tokB, ok := reg.Token(network, strings.ToUpper(symB))
	if !ok {
		return nil, fmt.Errorf("%w: %s", pool.ErrUnknownToken, symB)
	}

	src, err := pool.SourceFor(reg, exchange, kind)
	if err != nil {
		return nil, err
	}
	addr := src.PairAddress(tokA.Address, tokB.Address, fee)
	return pool.New(network, addr, tokA.Address, tokB.Address, fee, kind)
}

func feeAndKind(feeStr, kindStr string) (uint32, pool.Kind, error) {
	fee, err := strconv.ParseUint(feeStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("bad fee %q: %w", feeStr, err)
	}
	kind, err := pool.ParseKind(kindStr)
	if err != nil {
		return 0, 0, err
	}
	return uint32(fee), kind, nil
}

// Pools builds the tracked set from specs, DefaultPools when empty.
func Pools(reg *registry.Registry, network eth.Network, specs []string) (*pool.Set, error) {
	if len(specs) == 0 {
		specs = DefaultPools
	}
	set := pool.NewSet()
	for _, spec := range specs {
		d, err := ParsePool(reg, network, spec)
		if err != nil {
			return nil, err
		}
		set.Add(d)
	}
	return set, nil
}
