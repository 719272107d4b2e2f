package pool

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/slots"
)

// Kind is the AMM family of a pool.
type Kind uint8

const (
	KindV2 Kind = 2
	KindV3 Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindV2:
		return "v2"
	case KindV3:
		return "v3"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "v2":
		return KindV2, nil
	case "v3":
		return KindV3, nil
	}
	return 0, fmt.Errorf("unknown pool kind %q", s)
}

var (
	ErrIdenticalTokens = errors.New("pool tokens are identical")
	ErrUnknownKind     = errors.New("unknown pool kind")
)

// Key identifies a pool independently of its deployment address.
type Key struct {
	Kind   Kind
	Token0 common.Address
	Token1 common.Address
	Fee    uint32
}

// Descriptor is one liquidity pool. Tokens are sorted at construction and
// every derived slot assumes token0 < token1.
type Descriptor struct {
	network eth.Network
	address common.Address
	token0  common.Address
	token1  common.Address
	fee     uint32
	kind    Kind
}

// New builds a descriptor, ordering tokenA and tokenB canonically.
func New(network eth.Network, address, tokenA, tokenB common.Address, fee uint32, kind Kind) (*Descriptor, error) {
	if kind != KindV2 && kind != KindV3 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if tokenA == tokenB {
		return nil, fmt.Errorf("%w: %s", ErrIdenticalTokens, tokenA.Hex())
	}
	if tokenA.Cmp(tokenB) > 0 {
		tokenA, tokenB = tokenB, tokenA
	}
	return &Descriptor{
		network: network,
		address: address,
		token0:  tokenA,
		token1:  tokenB,
		fee:     fee,
		kind:    kind,
	}, nil
}

func (d *Descriptor) Network() eth.Network    { return d.network }
func (d *Descriptor) Address() common.Address { return d.address }
func (d *Descriptor) Token0() common.Address  { return d.token0 }
func (d *Descriptor) Token1() common.Address  { return d.token1 }
func (d *Descriptor) Fee() uint32             { return d.fee }
func (d *Descriptor) Kind() Kind              { return d.kind }

func (d *Descriptor) Key() Key {
	return Key{Kind: d.kind, Token0: d.token0, Token1: d.token1, Fee: d.fee}
}

// TickSpacing is derived from the fee tier; V2 pools have none.
func (d *Descriptor) TickSpacing() int32 {
	if d.kind != KindV3 {
		return 0
	}
	return slots.TickSpacingForFee(d.fee)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s/%s %s-%s fee=%d", d.network, d.kind, d.token0.Hex(), d.token1.Hex(), d.fee)
}
