package slots

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Slot0 is the packed first storage word of a Uniswap V3 pool.
type Slot0 struct {
	SqrtPriceX96               *uint256.Int
	Tick                       int32
	ObservationIndex           uint16
	ObservationCardinality     uint16
	ObservationCardinalityNext uint16
	FeeProtocol                uint8
	Unlocked                   bool
}

var (
	mask160 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 160), 1)
	mask112 = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 112), 1)
)

// field returns bits [shift, shift+64) of v.
func field(v *uint256.Int, shift uint) uint64 {
	return new(uint256.Int).Rsh(v, shift).Uint64()
}

// DecodeSlot0 unpacks a raw slot0 storage word.
func DecodeSlot0(word common.Hash) Slot0 {
	v := new(uint256.Int).SetBytes32(word[:])

	// int24 tick, sign-extended
	raw := uint32(field(v, 160) & 0xffffff)
	tick := int32(raw<<8) >> 8

	return Slot0{
		SqrtPriceX96:               new(uint256.Int).And(v, mask160),
		Tick:                       tick,
		ObservationIndex:           uint16(field(v, 184)),
		ObservationCardinality:     uint16(field(v, 200)),
		ObservationCardinalityNext: uint16(field(v, 216)),
		FeeProtocol:                uint8(field(v, 232)),
		Unlocked:                   uint8(field(v, 240)) != 0,
	}
}

// ObservationSlot is the storage key of observations[index] (one word per
// observation in the pool's fixed-size array).
func ObservationSlot(index uint16) common.Hash {
	return FixedSlot(ObservationsIndex + uint64(index))
}

// V2Reserves is the packed reserve word of a Uniswap V2 pair.
type V2Reserves struct {
	Reserve0           *uint256.Int
	Reserve1           *uint256.Int
	BlockTimestampLast uint32
}

// DecodeV2Reserves unpacks slot 8 of a Uniswap V2 pair.
func DecodeV2Reserves(word common.Hash) V2Reserves {
	v := new(uint256.Int).SetBytes32(word[:])
	return V2Reserves{
		Reserve0:           new(uint256.Int).And(v, mask112),
		Reserve1:           new(uint256.Int).And(new(uint256.Int).Rsh(v, 112), mask112),
		BlockTimestampLast: uint32(field(v, 224)),
	}
}
