package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/pool"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/slots"
	"github.com/stretchr/testify/require"
)

func TestParsePool_Derived(t *testing.T) {
	reg := registry.Default()
	tests := []struct {
		spec string
		want common.Address
		kind pool.Kind
	}{
		{"USDC/WETH:500:v3", common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"), pool.KindV3},
		{"weth/usdc:3000:v3", common.HexToAddress("0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8"), pool.KindV3},
		{"USDC/WETH:3000:v2", common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"), pool.KindV2},
		{"USDC/WETH:3000:v2@uniswap", common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"), pool.KindV2},
	}
	for _, tt := range tests {
		d, err := ParsePool(reg, eth.Mainnet, tt.spec)
		require.NoError(t, err, tt.spec)
		require.Equal(t, tt.want, d.Address(), tt.spec)
		require.Equal(t, tt.kind, d.Kind(), tt.spec)
		require.Equal(t, registry.USDCAddress, d.Token0(), tt.spec)
		require.Equal(t, registry.WETHAddress, d.Token1(), tt.spec)
	}
}

func TestParsePool_Explicit(t *testing.T) {
	spec := "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640:" + registry.WETHAddress.Hex() + ":" + registry.USDCAddress.Hex() + ":500:v3"
	d, err := ParsePool(registry.Default(), eth.Mainnet, spec)
	require.NoError(t, err)
	require.Equal(t, registry.USDCAddress, d.Token0())
	require.Equal(t, uint32(500), d.Fee())
	require.Equal(t, int32(10), d.TickSpacing())
}

func TestParsePool_Rejects(t *testing.T) {
	reg := registry.Default()
	for _, spec := range []string{
		"",
		"USDC/WETH:500",
		"USDC/WETH:abc:v3",
		"USDC/WETH:500:v4",
		"USDC/PEPE:500:v3",
		"USDC/WETH:500:v3@nowhere",
		"0x01:0x02:0x03:500:v3",
		"0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640:" + registry.WETHAddress.Hex() + ":" + registry.WETHAddress.Hex() + ":500:v3",
	} {
		_, err := ParsePool(reg, eth.Mainnet, spec)
		require.Error(t, err, spec)
	}
}

func TestPools_Defaults(t *testing.T) {
	set, err := Pools(registry.Default(), eth.Mainnet, nil)
	require.NoError(t, err)
	require.Equal(t, len(DefaultPools), set.Len())

	set, err = Pools(registry.Default(), eth.Mainnet, []string{"USDC/WETH:500:v3", "WETH/USDC:500:v3"})
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())
}

func TestNew_WiresCache(t *testing.T) {
	dir := t.TempDir()
	regFile := filepath.Join(dir, "registry.json")
	require.NoError(t, os.WriteFile(regFile, []byte(`{"code": [{"network": "mainnet", "address": "0x00000000000000000000000000000000000000aa", "bytecode": "0x00"}]}`), 0o644))

	cfg := &config.Config{
		RPCURL:         "http://127.0.0.1:1",
		Network:        eth.Mainnet,
		CacheDB:        filepath.Join(dir, "cache", "state.db"),
		RegistryFile:   regFile,
		BlockCacheSize: eth.DefaultBlockCacheSize,
	}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Cache)
	require.Same(t, a.Cache, a.Source)
	require.Same(t, a.Client, a.Heads)
	require.NotNil(t, a.Oracle(pool.NewSet()))
	_, ok := a.Registry.Code(eth.Mainnet, common.HexToAddress("0xaa"))
	require.True(t, ok)
	require.NotNil(t, a.Simulator())
}

func TestNew_BadRegistryFile(t *testing.T) {
	cfg := &config.Config{RPCURL: "http://127.0.0.1:1", Network: eth.Mainnet, RegistryFile: filepath.Join(t.TempDir(), "none.json")}
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNew_SeparateHeadEndpoint(t *testing.T) {
	cfg := &config.Config{RPCURL: "http://127.0.0.1:1", WSURL: "http://127.0.0.1:2", Network: eth.Mainnet}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotSame(t, a.Client, a.Heads)
	require.Nil(t, a.Cache)
	require.Same(t, a.Client, a.Source)
}

// codeNode answers eth_blockNumber and eth_getCode, recording the code
// lookups.
type codeNode struct {
	mu   sync.Mutex
	seen map[common.Address]string
}

func (n *codeNode) BlockNumber() hexutil.Uint64 {
	return 20_000_000
}

func (n *codeNode) GetCode(addr common.Address, block string) (hexutil.Bytes, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen[addr] = block
	return hexutil.Bytes{0x60, 0x00}, nil
}

func TestHydrateRegistry(t *testing.T) {
	node := &codeNode{seen: make(map[common.Address]string)}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", node))
	t.Cleanup(server.Stop)
	client, err := eth.NewClient(rpc.DialInProc(server), 4)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	cfg := &config.Config{Network: eth.Mainnet}
	reg, err := BuildRegistry(cfg)
	require.NoError(t, err)
	a := &App{Config: cfg, Client: client, Heads: client, Registry: reg, Source: client}
	pools, err := Pools(reg, eth.Mainnet, []string{"USDC/WETH:500:v3"})
	require.NoError(t, err)
	d := pools.All()[0]

	_, ok := a.Registry.Code(eth.Mainnet, d.Address())
	require.False(t, ok)
	require.NoError(t, a.HydrateRegistry(context.Background(), pools))

	for _, addr := range []common.Address{d.Address(), registry.USDCAddress, registry.WETHAddress} {
		c, ok := a.Registry.Code(eth.Mainnet, addr)
		require.True(t, ok, addr.Hex())
		require.Equal(t, []byte{0x60, 0x00}, c.Bytecode)
		require.Equal(t, hexutil.EncodeUint64(20_000_000), node.seen[addr])
	}
	// the pool's code is now served locally
	require.Contains(t, d.MinimalBytecodeSet(a.Registry), d.Address())
}

func TestReserves(t *testing.T) {
	reg := registry.Default()
	ctx := context.Background()
	mem := fork.NewMemorySource()
	db := fork.New(mem, 20_000_000)

	v2, err := ParsePool(reg, eth.Mainnet, "USDC/WETH:3000:v2")
	require.NoError(t, err)
	word := new(uint256.Int).Lsh(uint256.NewInt(9e18), 112)
	word.Or(word, uint256.NewInt(30_000_000_000))
	mem.SetStorage(v2.Address(), slots.FixedSlot(pool.V2ReservesIndex), common.Hash(word.Bytes32()))

	r0, r1, err := Reserves(ctx, reg, db, v2)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(30_000_000_000), r0)
	require.Equal(t, uint256.NewInt(9e18), r1)

	v3, err := ParsePool(reg, eth.Mainnet, "USDC/WETH:500:v3")
	require.NoError(t, err)
	usdc, _ := reg.TokenByAddress(eth.Mainnet, registry.USDCAddress)
	weth, _ := reg.TokenByAddress(eth.Mainnet, registry.WETHAddress)
	pool.Fund(db, usdc, v3.Address(), uint256.NewInt(70_000_000_000))
	pool.Fund(db, weth, v3.Address(), uint256.NewInt(2e18))

	r0, r1, err = Reserves(ctx, reg, db, v3)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(70_000_000_000), r0)
	require.Equal(t, uint256.NewInt(2e18), r1)
}
