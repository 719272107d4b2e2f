package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/slots"
	"github.com/stretchr/testify/require"
)

var (
	usdcWeth500   = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	usdcWeth3000  = common.HexToAddress("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8")
	usdcWethV2    = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	usdcWethSushi = common.HexToAddress("0x397FF1542f962076d0BFE58eA045FfA2d347ACa0")
	trader        = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	router        = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
)

func mustPool(t *testing.T, addr, a, b common.Address, fee uint32, kind Kind) *Descriptor {
	t.Helper()
	d, err := New(eth.Mainnet, addr, a, b, fee, kind)
	require.NoError(t, err)
	return d
}

func TestNew_SortsTokens(t *testing.T) {
	// WETH > USDC, passed in the wrong order
	d := mustPool(t, usdcWeth500, registry.WETHAddress, registry.USDCAddress, 500, KindV3)
	require.Equal(t, registry.USDCAddress, d.Token0())
	require.Equal(t, registry.WETHAddress, d.Token1())

	same := mustPool(t, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 500, KindV3)
	require.Equal(t, d.Key(), same.Key())
	require.Equal(t, int32(10), d.TickSpacing())
}

func TestNew_Rejects(t *testing.T) {
	_, err := New(eth.Mainnet, usdcWeth500, registry.USDCAddress, registry.USDCAddress, 500, KindV3)
	require.ErrorIs(t, err, ErrIdenticalTokens)

	_, err = New(eth.Mainnet, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 500, Kind(4))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("V3")
	require.NoError(t, err)
	require.Equal(t, KindV3, k)
	require.Equal(t, "v2", KindV2.String())

	_, err = ParseKind("v4")
	require.Error(t, err)
}

func TestPrefetchStorageKeys_V3(t *testing.T) {
	reg := registry.Default()
	d := mustPool(t, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 500, KindV3)

	keys := d.PrefetchStorageKeys(reg, 200546)
	require.Len(t, keys, 3)

	// balance slot + implementation, admin, owner, pauser
	usdc := keys[registry.USDCAddress]
	require.Equal(t, 5, usdc.Cardinality())
	require.True(t, usdc.Contains(slots.SimpleMappingSlot(usdcWeth500, 9)))
	require.True(t, usdc.Contains(ImplementationSlot))

	weth := keys[registry.WETHAddress]
	require.Equal(t, 1, weth.Cardinality())
	require.True(t, weth.Contains(slots.SimpleMappingSlot(usdcWeth500, 3)))

	// 5 fixed words, 41 ticks of 4 words and a single bitmap word at spacing 10
	p := keys[usdcWeth500]
	require.Equal(t, 5+41*4+1, p.Cardinality())
	require.True(t, p.Contains(slots.FixedSlot(slots.LiquidityIndex)))
	for _, tick := range []int32{200526, 200546, 200566} {
		require.True(t, p.Contains(slots.TickInfoSlots(tick, slots.DefaultTicksIndex)[0]), "tick %d", tick)
	}
	require.False(t, p.Contains(slots.TickInfoSlots(200567, slots.DefaultTicksIndex)[0]))
}

func TestPrefetchStorageKeys_ClampsAtTickBounds(t *testing.T) {
	reg := registry.Default()
	d := mustPool(t, usdcWeth3000, registry.USDCAddress, registry.WETHAddress, 3000, KindV3)

	p := d.PrefetchStorageKeys(reg, MaxTick-5)[usdcWeth3000]
	require.True(t, p.Contains(slots.TickInfoSlots(MaxTick, slots.DefaultTicksIndex)[0]))
	require.False(t, p.Contains(slots.TickInfoSlots(MaxTick+1, slots.DefaultTicksIndex)[0]))

	lo, hi := tickRange(MinTick + 3)
	require.Equal(t, MinTick, lo)
	require.Equal(t, MinTick+3+TickWindow, hi)
}

func TestPrefetchStorageKeys_V2(t *testing.T) {
	reg := registry.Default()
	d := mustPool(t, usdcWethV2, registry.USDCAddress, registry.WETHAddress, 3000, KindV2)

	keys := d.PrefetchStorageKeys(reg, 12345)
	p := keys[usdcWethV2]
	require.Equal(t, 8, p.Cardinality())
	require.True(t, p.Contains(slots.FixedSlot(V2ReservesIndex)))
	require.False(t, p.Contains(slots.FixedSlot(slots.Slot0Index)))
}

func TestPrefetchStorageKeys_UnknownTokenSkipped(t *testing.T) {
	reg := registry.Default()
	other := common.HexToAddress("0x0000000000000000000000000000000000001234")
	d := mustPool(t, usdcWethV2, other, registry.WETHAddress, 3000, KindV2)

	keys := d.PrefetchStorageKeys(reg, 0)
	_, ok := keys[other]
	require.False(t, ok)
	require.Contains(t, keys, registry.WETHAddress)
}

func TestMinimalBytecodeSet(t *testing.T) {
	impl := common.HexToAddress("0x43506849D7C04F9138D1A2050bbF3A0c054402dd")
	quoter := common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e")
	reg := registry.NewBuilder().
		AddCode(eth.Mainnet, registry.USDCAddress, []byte{0x60, 0x01}).
		AddCode(eth.Mainnet, impl, []byte{0x60, 0x02}).
		AddCode(eth.Mainnet, usdcWeth500, []byte{0x60, 0x03}).
		AddCode(eth.Mainnet, quoter, []byte{0x60, 0x04}).
		Build()

	v3 := mustPool(t, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 500, KindV3)
	set := v3.MinimalBytecodeSet(reg)
	require.Len(t, set, 4)
	require.Equal(t, []byte{0x60, 0x02}, set[impl].Bytecode)
	_, ok := set[registry.WETHAddress]
	require.False(t, ok, "registry miss contributes nothing")

	v2 := mustPool(t, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 3000, KindV2)
	require.Len(t, v2.MinimalBytecodeSet(reg), 3, "no quoter for v2 pools")
}

func TestPairAddress_Create2Vectors(t *testing.T) {
	reg := registry.Default()
	uni, ok := reg.Exchange(eth.Mainnet, "uniswap")
	require.True(t, ok)
	sushi, ok := reg.Exchange(eth.Mainnet, "sushiswap")
	require.True(t, ok)
	v3, ok := reg.Exchange(eth.Mainnet, "uniswap-v3")
	require.True(t, ok)

	require.Equal(t, usdcWethV2, V2Source{Exchange: uni}.PairAddress(registry.WETHAddress, registry.USDCAddress, 0))
	require.Equal(t, usdcWethSushi, V2Source{Exchange: sushi}.PairAddress(registry.USDCAddress, registry.WETHAddress, 0))

	src := V3Source{Exchange: v3, Registry: reg}
	require.Equal(t, usdcWeth500, src.PairAddress(registry.USDCAddress, registry.WETHAddress, 500))
	require.Equal(t, usdcWeth3000, src.PairAddress(registry.WETHAddress, registry.USDCAddress, 3000))
}

func TestSourceFor(t *testing.T) {
	reg := registry.Default()
	uni, _ := reg.Exchange(eth.Mainnet, "uniswap")

	s, err := SourceFor(reg, uni, KindV2)
	require.NoError(t, err)
	require.Equal(t, KindV2, s.Kind())

	_, err = SourceFor(reg, uni, Kind(9))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestReserves_V2(t *testing.T) {
	src := fork.NewMemorySource()
	word := new(uint256.Int).Lsh(uint256.NewInt(1_700_000_000), 224)
	word.Or(word, new(uint256.Int).Lsh(uint256.NewInt(5e18), 112))
	word.Or(word, uint256.NewInt(12_000_000_000))
	src.SetStorage(usdcWethV2, slots.FixedSlot(V2ReservesIndex), common.Hash(word.Bytes32()))

	db := fork.New(src, 20_000_000)
	d := mustPool(t, usdcWethV2, registry.USDCAddress, registry.WETHAddress, 3000, KindV2)

	r0, r1, err := V2Source{}.Reserves(context.Background(), db, d)
	require.NoError(t, err)
	require.Equal(t, uint64(12_000_000_000), r0.Uint64())
	require.Equal(t, uint64(5e18), r1.Uint64())
}

func TestReserves_V3ReadsTokenBalances(t *testing.T) {
	reg := registry.Default()
	src := fork.NewMemorySource()
	db := fork.New(src, 20_000_000)
	d := mustPool(t, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 500, KindV3)

	usdc, _ := reg.Token(eth.Mainnet, "USDC")
	weth, _ := reg.Token(eth.Mainnet, "WETH")
	Fund(db, usdc, usdcWeth500, uint256.NewInt(70_000_000_000))
	Fund(db, weth, usdcWeth500, uint256.NewInt(2e18))

	r0, r1, err := V3Source{Registry: reg}.Reserves(context.Background(), db, d)
	require.NoError(t, err)
	require.Equal(t, uint64(70_000_000_000), r0.Uint64())
	require.Equal(t, uint64(2e18), r1.Uint64())
}

func TestReserves_V3UnknownToken(t *testing.T) {
	reg := registry.Default()
	db := fork.New(fork.NewMemorySource(), 1)
	other := common.HexToAddress("0x0000000000000000000000000000000000001234")
	d := mustPool(t, usdcWeth500, other, registry.WETHAddress, 500, KindV3)

	_, _, err := V3Source{Registry: reg}.Reserves(context.Background(), db, d)
	require.True(t, errors.Is(err, ErrUnknownToken))
}

func TestSet_DedupesByKey(t *testing.T) {
	s := NewSet()
	a := mustPool(t, usdcWeth500, registry.USDCAddress, registry.WETHAddress, 500, KindV3)
	b := mustPool(t, usdcWeth500, registry.WETHAddress, registry.USDCAddress, 500, KindV3)
	c := mustPool(t, usdcWeth3000, registry.USDCAddress, registry.WETHAddress, 3000, KindV3)

	idA := s.Add(a)
	require.Equal(t, idA, s.Add(b))
	idC := s.Add(c)
	require.NotEqual(t, idA, idC)
	require.Equal(t, 2, s.Len())

	got, ok := s.Lookup(c.Key())
	require.True(t, ok)
	require.Equal(t, idC, got)

	s.Remove(idA)
	_, ok = s.Get(idA)
	require.False(t, ok)
	require.Equal(t, []*Descriptor{c}, s.All())

	// ids are not reused
	require.NotEqual(t, idA, s.Add(a))
	p, ok := s.Get(idC)
	require.True(t, ok)
	require.Equal(t, c, p)
}

func TestFundingOverrides(t *testing.T) {
	reg := registry.Default()
	src := fork.NewMemorySource()
	src.SetAccount(trader, fork.NewAccountInfo(uint256.NewInt(1), 7, nil))
	db := fork.New(src, 20_000_000)
	ctx := context.Background()

	usdc, _ := reg.Token(eth.Mainnet, "USDC")
	Fund(db, usdc, trader, uint256.NewInt(1_000_000))
	Approve(db, usdc, trader, router, MaxApproval)
	require.NoError(t, FundEther(ctx, db, trader, uint256.NewInt(1e18)))

	bal, err := db.Storage(ctx, registry.USDCAddress, slots.SimpleMappingSlot(trader, 9))
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), new(uint256.Int).SetBytes32(bal[:]).Uint64())

	allowance, err := db.Storage(ctx, registry.USDCAddress, slots.NestedMappingSlot(trader, router, 10))
	require.NoError(t, err)
	require.Equal(t, common.Hash(MaxApproval.Bytes32()), allowance)

	acct, err := db.Account(ctx, trader)
	require.NoError(t, err)
	require.Equal(t, uint64(1e18), acct.Balance.Uint64())
	require.Equal(t, uint64(7), acct.Nonce)
}
