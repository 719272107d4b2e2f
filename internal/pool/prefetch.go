package pool

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/slots"
)

const (
	// TickWindow is how many ticks each side of the current one are prefetched.
	TickWindow = 20

	MinTick int32 = -887272
	MaxTick int32 = 887272

	// UniswapV2Pair layout after the ERC-20 fields
	V2FactoryIndex  = 5
	V2ReservesIndex = 8
	V2UnlockedIndex = 12
)

// Unstructured storage words of zeppelinos admin-upgradeable proxies.
var (
	ImplementationSlot = crypto.Keccak256Hash([]byte("org.zeppelinos.proxy.implementation"))
	AdminSlot          = crypto.Keccak256Hash([]byte("org.zeppelinos.proxy.admin"))
)

// FiatTokenOwnerIndex and FiatTokenPauserIndex are read by every transfer
// of a FiatToken (pause check, ownership).
const (
	FiatTokenOwnerIndex  = 0
	FiatTokenPauserIndex = 1
)

// MinimalBytecodeSet returns the code needed to simulate a swap on d:
// both tokens, proxy implementations under their own address, the pool and
// the network quoter for V3 pools. Registry misses contribute nothing.
func (d *Descriptor) MinimalBytecodeSet(reg *registry.Registry) map[common.Address]registry.Code {
	out := make(map[common.Address]registry.Code)
	add := func(addr common.Address) {
		if c, ok := reg.Code(d.network, addr); ok {
			out[addr] = c
		}
	}
	for _, t := range []common.Address{d.token0, d.token1} {
		add(t)
		if tok, ok := reg.TokenByAddress(d.network, t); ok && tok.Implementation != nil {
			add(*tok.Implementation)
		}
	}
	add(d.address)
	if d.kind == KindV3 {
		if q, ok := reg.Quoter(d.network); ok {
			add(q)
		}
	}
	return out
}

// PrefetchStorageKeys returns the storage words a swap against d touches
// when the pool sits at currentTick. V2 pools ignore the tick.
func (d *Descriptor) PrefetchStorageKeys(reg *registry.Registry, currentTick int32) map[common.Address]mapset.Set[common.Hash] {
	out := make(map[common.Address]mapset.Set[common.Hash])
	set := func(addr common.Address) mapset.Set[common.Hash] {
		s, ok := out[addr]
		if !ok {
			s = mapset.NewThreadUnsafeSet[common.Hash]()
			out[addr] = s
		}
		return s
	}

	for _, t := range []common.Address{d.token0, d.token1} {
		tok, ok := reg.TokenByAddress(d.network, t)
		if !ok {
			continue
		}
		s := set(t)
		s.Add(slots.SimpleMappingSlot(d.address, tok.BalanceSlot))
		if tok.FiatProxy {
			s.Append(
				ImplementationSlot,
				AdminSlot,
				slots.FixedSlot(FiatTokenOwnerIndex),
				slots.FixedSlot(FiatTokenPauserIndex),
			)
		}
	}

	s := set(d.address)
	switch d.kind {
	case KindV3:
		for i := uint64(slots.Slot0Index); i <= slots.LiquidityIndex; i++ {
			s.Add(slots.FixedSlot(i))
		}
		spacing := d.TickSpacing()
		lo, hi := tickRange(currentTick)
		for tick := lo; tick <= hi; tick++ {
			for _, k := range slots.TickInfoSlots(tick, slots.DefaultTicksIndex) {
				s.Add(k)
			}
			s.Add(slots.TickBitmapWordSlot(tick, spacing, slots.DefaultTickBitmapIndex))
		}
	case KindV2:
		for i := uint64(V2FactoryIndex); i <= V2UnlockedIndex; i++ {
			s.Add(slots.FixedSlot(i))
		}
	}
	return out
}

func tickRange(tick int32) (int32, int32) {
	lo, hi := tick-TickWindow, tick+TickWindow
	if lo < MinTick {
		lo = MinTick
	}
	if hi > MaxTick {
		hi = MaxTick
	}
	return lo, hi
}
