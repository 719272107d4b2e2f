package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/slots"
)

var ErrUnknownToken = errors.New("token not in registry")

// StorageReader reads storage at a pinned block; *fork.Database satisfies it.
type StorageReader interface {
	Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
}

// PairSource is what differs between pool kinds: where a pool is deployed
// and how its reserves are read from storage.
type PairSource interface {
	Kind() Kind
	PairAddress(token0, token1 common.Address, fee uint32) common.Address
	Reserves(ctx context.Context, r StorageReader, d *Descriptor) (*uint256.Int, *uint256.Int, error)
}

// SourceFor returns the source matching d's kind on exchange.
func SourceFor(reg *registry.Registry, exchange registry.Exchange, kind Kind) (PairSource, error) {
	switch kind {
	case KindV2:
		return V2Source{Exchange: exchange}, nil
	case KindV3:
		return V3Source{Exchange: exchange, Registry: reg}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
}

func sortTokens(a, b common.Address) (common.Address, common.Address) {
	if a.Cmp(b) > 0 {
		return b, a
	}
	return a, b
}

// V2Source derives constant-product pairs of a Uniswap V2 style factory.
type V2Source struct {
	Exchange registry.Exchange
}

func (V2Source) Kind() Kind { return KindV2 }

// PairAddress is CREATE2(factory, keccak(token0 ‖ token1), initCodeHash).
// The fee is fixed by the factory and ignored.
func (s V2Source) PairAddress(token0, token1 common.Address, _ uint32) common.Address {
	token0, token1 = sortTokens(token0, token1)
	salt := crypto.Keccak256Hash(token0.Bytes(), token1.Bytes())
	return crypto.CreateAddress2(s.Exchange.Factory, salt, s.Exchange.InitCodeHash.Bytes())
}

// Reserves decodes the packed reserve word of the pair.
func (V2Source) Reserves(ctx context.Context, r StorageReader, d *Descriptor) (*uint256.Int, *uint256.Int, error) {
	word, err := r.Storage(ctx, d.address, slots.FixedSlot(V2ReservesIndex))
	if err != nil {
		return nil, nil, fmt.Errorf("read reserves of %s: %w", d.address.Hex(), err)
	}
	res := slots.DecodeV2Reserves(word)
	return res.Reserve0, res.Reserve1, nil
}

// V3Source derives concentrated-liquidity pools of a Uniswap V3 style
// factory. Their reserves are the pool's token balances.
type V3Source struct {
	Exchange registry.Exchange
	Registry *registry.Registry
}

func (V3Source) Kind() Kind { return KindV3 }

// PairAddress is CREATE2(factory, keccak(abi.encode(token0, token1, fee)),
// initCodeHash).
func (s V3Source) PairAddress(token0, token1 common.Address, fee uint32) common.Address {
	token0, token1 = sortTokens(token0, token1)
	salt := crypto.Keccak256Hash(
		common.LeftPadBytes(token0.Bytes(), 32),
		common.LeftPadBytes(token1.Bytes(), 32),
		slots.FixedSlot(uint64(fee)).Bytes(),
	)
	return crypto.CreateAddress2(s.Exchange.Factory, salt, s.Exchange.InitCodeHash.Bytes())
}

func (s V3Source) Reserves(ctx context.Context, r StorageReader, d *Descriptor) (*uint256.Int, *uint256.Int, error) {
	var out [2]*uint256.Int
	for i, t := range []common.Address{d.token0, d.token1} {
		tok, ok := s.Registry.TokenByAddress(d.network, t)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownToken, t.Hex())
		}
		word, err := r.Storage(ctx, t, slots.SimpleMappingSlot(d.address, tok.BalanceSlot))
		if err != nil {
			return nil, nil, fmt.Errorf("read %s balance of %s: %w", tok.Symbol, d.address.Hex(), err)
		}
		out[i] = new(uint256.Int).SetBytes32(word[:])
	}
	return out[0], out[1], nil
}
