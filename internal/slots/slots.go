// Package slots maps logical contract storage fields (ERC-20 mappings,
// concentrated-liquidity pool internals) to the 256-bit keys the EVM reads.
//
// Everything here is pure: identical inputs always give identical keys, which
// is what lets the fork cache use them as stable cache keys.
package slots

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Declared storage indexes of a Uniswap V3 pool.
const (
	Slot0Index                   = 0
	FeeGrowthGlobal0Index        = 1
	FeeGrowthGlobal1Index        = 2
	ProtocolFeesIndex            = 3
	LiquidityIndex               = 4
	DefaultTicksIndex            = 5
	DefaultTickBitmapIndex       = 6
	PositionsIndex               = 7
	ObservationsIndex            = 8
	TickInfoWords                = 4
	DefaultTickSpacing     int32 = 200
)

// unsignedWord abi-encodes v as a uint256.
func unsignedWord(v uint64) []byte {
	w := uint256.NewInt(v).Bytes32()
	return w[:]
}

// signedWord abi-encodes v as an int256 (two's complement, sign-extended).
func signedWord(v int64) []byte {
	var w [32]byte
	if v >= 0 {
		w = uint256.NewInt(uint64(v)).Bytes32()
	} else {
		w = new(uint256.Int).Neg(uint256.NewInt(uint64(-v))).Bytes32()
	}
	return w[:]
}

// SimpleMappingSlot returns keccak256(abi.encode(key, index)), the slot of
// mapping(address => T) entries such as ERC-20 balanceOf.
func SimpleMappingSlot(key common.Address, index uint64) common.Hash {
	return crypto.Keccak256Hash(common.LeftPadBytes(key.Bytes(), 32), unsignedWord(index))
}

// NestedMappingSlot returns the slot of mapping(address => mapping(address => T))
// entries such as ERC-20 allowance(owner, spender).
func NestedMappingSlot(outer, inner common.Address, index uint64) common.Hash {
	outerSlot := SimpleMappingSlot(outer, index)
	return crypto.Keccak256Hash(common.LeftPadBytes(inner.Bytes(), 32), outerSlot.Bytes())
}

// FixedSlot returns the key of a single-variable field declared at index.
func FixedSlot(index uint64) common.Hash {
	return common.Hash(uint256.NewInt(index).Bytes32())
}

// TickInfoSlots returns the four consecutive slots of ticks[tick] for a ticks
// mapping declared at index.
func TickInfoSlots(tick int32, index uint64) [TickInfoWords]common.Hash {
	var out [TickInfoWords]common.Hash
	out[0] = crypto.Keccak256Hash(signedWord(int64(tick)), unsignedWord(index))

	base := new(uint256.Int).SetBytes32(out[0][:])
	for i := 1; i < TickInfoWords; i++ {
		out[i] = common.Hash(new(uint256.Int).AddUint64(base, uint64(i)).Bytes32())
	}
	return out
}

// TickBitmapWordSlot returns the slot of the tickBitmap word holding tick.
// A non-positive spacing is treated as 1.
func TickBitmapWordSlot(tick, spacing int32, index uint64) common.Hash {
	wordPos := WordPosition(tick, spacing)
	return crypto.Keccak256Hash(signedWord(int64(wordPos)), unsignedWord(index))
}

// WordPosition is the tickBitmap word index of tick: floor(tick/spacing) >> 8.
func WordPosition(tick, spacing int32) int32 {
	if spacing <= 0 {
		spacing = 1
	}
	return floorDiv(tick, spacing) >> 8
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// TickSpacingForFee maps a fee tier to its tick spacing.
func TickSpacingForFee(fee uint32) int32 {
	switch fee {
	case 500:
		return 10
	case 3000:
		return 60
	default:
		return DefaultTickSpacing
	}
}
