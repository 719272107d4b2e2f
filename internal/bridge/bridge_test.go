package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/oracle"
	"github.com/pulkyeet/mev-simulator/internal/pool"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"github.com/pulkyeet/mev-simulator/internal/slots"
	"github.com/stretchr/testify/require"
)

const testBlock = 20_000_000

var (
	alice    = common.HexToAddress("0xa11ce")
	counter  = common.HexToAddress("0xc0")
	reverter = common.HexToAddress("0xdead")

	counterCode  = common.FromHex("0x6000546001018060005560005260206000f3")
	reverterCode = common.FromHex("0x60006000fd")
	// return sload(calldataload(0))
	slotReaderCode = common.FromHex("0x6000355460005260206000f3")
)

// fakeSim serves bundles from a real simulator and replays from a table.
type fakeSim struct {
	*simulator.Simulator
	replays map[common.Hash]*simulator.ReplayResult
	errs    map[common.Hash]error
}

func (f *fakeSim) ReplayTransaction(ctx context.Context, hash common.Hash) (*simulator.ReplayResult, error) {
	if err, ok := f.errs[hash]; ok {
		return nil, err
	}
	if res, ok := f.replays[hash]; ok {
		return res, nil
	}
	return nil, &simulator.SimulationError{Kind: simulator.ErrTransactionNotFound, TxHash: hash}
}

type fakeSnapshots struct {
	snap *oracle.Snapshot
}

func (f *fakeSnapshots) Current() (*oracle.Snapshot, error) {
	if f.snap == nil {
		return nil, simulator.ErrForkFactoryNotReady
	}
	return f.snap, nil
}

func (f *fakeSnapshots) CurrentAt(number uint64) (*oracle.Snapshot, error) {
	snap, err := f.Current()
	if err != nil {
		return nil, err
	}
	if snap.Context.Number != number {
		return nil, fmt.Errorf("%w: want %d, have %d", simulator.ErrBlockNumberUnmatch, number, snap.Context.Number)
	}
	return snap, nil
}

func testSnapshot() *oracle.Snapshot {
	mem := fork.NewMemorySource()
	mem.SetAccount(alice, fork.NewAccountInfo(nil, 5, nil))
	mem.SetAccount(counter, fork.NewAccountInfo(nil, 1, counterCode))
	mem.SetAccount(reverter, fork.NewAccountInfo(nil, 1, reverterCode))
	mem.SetAccount(registry.USDCAddress, fork.NewAccountInfo(nil, 1, slotReaderCode))

	excess := hexutil.Uint64(0)
	h := &eth.Header{
		Number:        testBlock,
		Hash:          common.HexToHash("0xb10c"),
		Timestamp:     1_720_000_000,
		Miner:         common.HexToAddress("0xc014ba5e"),
		BaseFee:       (*hexutil.Big)(big.NewInt(params.GWei)),
		GasLimit:      30_000_000,
		ExcessBlobGas: &excess,
	}
	return &oracle.Snapshot{Context: h.Context(), DB: fork.New(mem, testBlock), Primed: 3, Failed: 1}
}

func newTestServer(t *testing.T, sim *fakeSim, snaps *fakeSnapshots) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(NewService(sim, snaps, registry.Default(), eth.Mainnet), NewHub())
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newFakeSim() *fakeSim {
	return &fakeSim{
		Simulator: simulator.New(nil, fork.NewMemorySource(), registry.Default(), eth.Mainnet),
		replays:   make(map[common.Hash]*simulator.ReplayResult),
		errs:      make(map[common.Hash]error),
	}
}

func call(t *testing.T, url, method string, args, reply any) error {
	t.Helper()
	body, err := json2.EncodeClientRequest(ServiceName+"."+method, args)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return json2.DecodeClientResponse(resp.Body, reply)
}

func TestReplay(t *testing.T) {
	okHash := common.HexToHash("0x01")
	revertHash := common.HexToHash("0x02")
	failHash := common.HexToHash("0x03")

	sim := newFakeSim()
	sim.replays[okHash] = &simulator.ReplayResult{Outcome: simulator.OutcomeSuccess, GasUsed: 46_000, Output: []byte{0x01}}
	sim.replays[revertHash] = &simulator.ReplayResult{Outcome: simulator.OutcomeRevert, GasUsed: 23_000, RevertMessage: "STF"}
	sim.errs[failHash] = &simulator.SimulationError{Kind: simulator.ErrSimulationEvmOtherTx, TxHash: failHash, Details: "index 4"}
	srv := newTestServer(t, sim, &fakeSnapshots{})

	var reply ReplayReply
	require.NoError(t, call(t, srv.URL, "Replay", &ReplayArgs{TxHash: okHash}, &reply))
	require.Equal(t, ReplayReply{Status: StatusSuccess, Message: "0x01", GasUsed: 46_000}, reply)

	reply = ReplayReply{}
	require.NoError(t, call(t, srv.URL, "Replay", &ReplayArgs{TxHash: revertHash}, &reply))
	require.Equal(t, StatusRevert, reply.Status)
	require.Equal(t, "STF", reply.RevertMessage)
	require.Equal(t, uint64(23_000), reply.GasUsed)

	reply = ReplayReply{}
	require.NoError(t, call(t, srv.URL, "Replay", &ReplayArgs{TxHash: failHash}, &reply))
	require.Equal(t, StatusFailure, reply.Status)
	require.True(t, strings.HasPrefix(reply.Message, simulator.ErrSimulationEvmOtherTx.Error()), reply.Message)
	require.Zero(t, reply.GasUsed)

	reply = ReplayReply{}
	require.NoError(t, call(t, srv.URL, "Replay", &ReplayArgs{TxHash: common.HexToHash("0x04")}, &reply))
	require.Equal(t, StatusFailure, reply.Status)
	require.Contains(t, reply.Message, simulator.ErrTransactionNotFound.Error())
}

func TestReplay_MissingHash(t *testing.T) {
	srv := newTestServer(t, newFakeSim(), &fakeSnapshots{})
	err := call(t, srv.URL, "Replay", &ReplayArgs{}, new(ReplayReply))
	require.Error(t, err)
	require.Contains(t, err.Error(), errNoHash.Error())
}

func TestSimulateBundle_FillsNonces(t *testing.T) {
	srv := newTestServer(t, newFakeSim(), &fakeSnapshots{snap: testSnapshot()})

	var reply BundleReply
	require.NoError(t, call(t, srv.URL, "SimulateBundle", &BundleArgs{Transactions: []BundleTx{
		{From: alice, To: &counter},
		{From: alice, To: &counter},
	}}, &reply))
	require.Equal(t, StatusSuccess, reply.Status, reply.Message)
	require.Equal(t, uint64(testBlock), reply.BlockNumber)
	require.Equal(t, -1, reply.RevertedAt)
	require.Len(t, reply.Transactions, 2)
	for i, tx := range reply.Transactions {
		require.Equal(t, StatusSuccess, tx.Status)
		require.Equal(t, common.BigToHash(big.NewInt(int64(i+1))).Bytes(), []byte(tx.Output))
	}
	require.Equal(t, reply.Transactions[0].GasUsed+reply.Transactions[1].GasUsed, reply.TotalGasUsed)
}

func TestSimulateBundle_Revert(t *testing.T) {
	srv := newTestServer(t, newFakeSim(), &fakeSnapshots{snap: testSnapshot()})

	var reply BundleReply
	require.NoError(t, call(t, srv.URL, "SimulateBundle", &BundleArgs{Transactions: []BundleTx{
		{From: alice, To: &counter},
		{From: alice, To: &reverter},
		{From: alice, To: &counter},
	}}, &reply))
	require.Equal(t, StatusRevert, reply.Status)
	require.Equal(t, 1, reply.RevertedAt)
	require.Len(t, reply.Transactions, 2)
	require.Equal(t, "execution reverted", reply.Transactions[1].RevertMessage)
}

func TestSimulateBundle_Failures(t *testing.T) {
	nonce := hexutil.Uint64(0)
	pinned := hexutil.Uint64(testBlock + 1)

	tests := []struct {
		name  string
		snaps *fakeSnapshots
		args  BundleArgs
		want  string
	}{
		{
			name:  "not ready",
			snaps: &fakeSnapshots{},
			args:  BundleArgs{Transactions: []BundleTx{{From: alice, To: &counter}}},
			want:  simulator.ErrForkFactoryNotReady.Error(),
		},
		{
			name:  "stale block",
			snaps: &fakeSnapshots{snap: testSnapshot()},
			args:  BundleArgs{Transactions: []BundleTx{{From: alice, To: &counter}}, BlockNumber: &pinned},
			want:  simulator.ErrBlockNumberUnmatch.Error(),
		},
		{
			name:  "no sender",
			snaps: &fakeSnapshots{snap: testSnapshot()},
			args:  BundleArgs{Transactions: []BundleTx{{To: &counter}}},
			want:  errNoSender.Error(),
		},
		{
			name:  "wrong nonce",
			snaps: &fakeSnapshots{snap: testSnapshot()},
			args:  BundleArgs{Transactions: []BundleTx{{From: alice, To: &counter, Nonce: &nonce}}},
			want:  simulator.ErrSimulationEvm.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, newFakeSim(), tt.snaps)
			var reply BundleReply
			require.NoError(t, call(t, srv.URL, "SimulateBundle", &tt.args, &reply))
			require.Equal(t, StatusFailure, reply.Status)
			require.Contains(t, reply.Message, tt.want)
		})
	}
}

func TestSimulateBundle_StateOverrides(t *testing.T) {
	snap := testSnapshot()
	srv := newTestServer(t, newFakeSim(), &fakeSnapshots{snap: snap})
	usdc, ok := registry.Default().TokenByAddress(eth.Mainnet, registry.USDCAddress)
	require.True(t, ok)
	token := usdc.Address
	spender := common.HexToAddress("0x5bed")
	oneEther := (*hexutil.Big)(big.NewInt(params.Ether))

	var reply BundleReply
	require.NoError(t, call(t, srv.URL, "SimulateBundle", &BundleArgs{
		Transactions: []BundleTx{
			{From: alice, To: &counter, Value: oneEther},
			{From: alice, To: &token, Data: slots.SimpleMappingSlot(alice, usdc.BalanceSlot).Bytes()},
			{From: alice, To: &token, Data: slots.NestedMappingSlot(alice, spender, usdc.AllowanceSlot).Bytes()},
		},
		Balances: []BalanceOverride{
			{Holder: alice, Amount: oneEther},
			{Holder: alice, Token: &token, Amount: (*hexutil.Big)(big.NewInt(5_000_000))},
		},
		Allowances: []AllowanceOverride{{Token: token, Owner: alice, Spender: spender}},
	}, &reply))
	require.Equal(t, StatusSuccess, reply.Status, reply.Message)
	require.Len(t, reply.Transactions, 3)
	require.Equal(t, common.BigToHash(big.NewInt(5_000_000)).Bytes(), []byte(reply.Transactions[1].Output))
	require.Equal(t, common.Hash(pool.MaxApproval.Bytes32()).Bytes(), []byte(reply.Transactions[2].Output))

	// the snapshot itself is untouched
	acct, err := snap.DB.Account(context.Background(), alice)
	require.NoError(t, err)
	require.True(t, acct.Balance.IsZero())
	accounts, slotCount := snap.DB.OverrideCount()
	require.Zero(t, accounts)
	require.Zero(t, slotCount)
}

func TestSimulateBundle_OverrideFailures(t *testing.T) {
	unknown := common.HexToAddress("0x70ce")
	oneEther := (*hexutil.Big)(big.NewInt(params.Ether))
	transfer := []BundleTx{{From: alice, To: &counter, Value: oneEther}}

	tests := []struct {
		name string
		args BundleArgs
		want string
	}{
		{
			name: "unfunded",
			args: BundleArgs{Transactions: transfer},
			want: simulator.ErrSimulationEvm.Error(),
		},
		{
			name: "unknown token",
			args: BundleArgs{Transactions: transfer, Balances: []BalanceOverride{{Holder: alice, Token: &unknown, Amount: oneEther}}},
			want: pool.ErrUnknownToken.Error(),
		},
		{
			name: "no amount",
			args: BundleArgs{Transactions: transfer, Balances: []BalanceOverride{{Holder: alice}}},
			want: errNoAmount.Error(),
		},
		{
			name: "unknown allowance token",
			args: BundleArgs{Transactions: transfer, Allowances: []AllowanceOverride{{Token: unknown, Owner: alice, Spender: counter}}},
			want: pool.ErrUnknownToken.Error(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, newFakeSim(), &fakeSnapshots{snap: testSnapshot()})
			var reply BundleReply
			require.NoError(t, call(t, srv.URL, "SimulateBundle", &tt.args, &reply))
			require.Equal(t, StatusFailure, reply.Status)
			require.Contains(t, reply.Message, tt.want)
		})
	}
}

func TestSimulateBundle_Empty(t *testing.T) {
	srv := newTestServer(t, newFakeSim(), &fakeSnapshots{snap: testSnapshot()})
	err := call(t, srv.URL, "SimulateBundle", &BundleArgs{}, new(BundleReply))
	require.Error(t, err)
	require.Contains(t, err.Error(), simulator.ErrEmptyBundle.Error())
}

func TestStatus(t *testing.T) {
	snaps := &fakeSnapshots{}
	srv := newTestServer(t, newFakeSim(), snaps)

	var reply StatusReply
	require.NoError(t, call(t, srv.URL, "Status", &StatusArgs{}, &reply))
	require.Equal(t, "mainnet", reply.Network)
	require.False(t, reply.Ready)

	snaps.snap = testSnapshot()
	reply = StatusReply{}
	require.NoError(t, call(t, srv.URL, "Status", &StatusArgs{}, &reply))
	require.True(t, reply.Ready)
	require.Equal(t, uint64(testBlock), reply.BlockNumber)
	require.Equal(t, common.HexToHash("0xb10c"), reply.BlockHash)
	require.Equal(t, 3, reply.Primed)
	require.Equal(t, 1, reply.Failed)
}

func TestHub_StreamsSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub()
	snaps := make(chan *oracle.Snapshot)
	go hub.Run(ctx, snaps)
	handler, err := NewHandler(NewService(newFakeSim(), &fakeSnapshots{}, registry.Default(), eth.Mainnet), hub)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// registration races the first publish, so keep publishing
	snap := testSnapshot()
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case snaps <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg HeadMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, hexutil.Uint64(testBlock), msg.Number)
	require.Equal(t, common.HexToHash("0xb10c"), msg.Hash)
	require.Equal(t, big.NewInt(params.GWei), msg.BaseFee.ToInt())
	require.NotNil(t, msg.PrevRandao)
	require.Equal(t, 3, msg.PrimedPools)
	require.Equal(t, 1, msg.FailedPools)

	// stopping the hub closes the stream
	cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	hub.Wait()
}
