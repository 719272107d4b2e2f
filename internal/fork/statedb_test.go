package fork

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var contract = common.HexToAddress("0x000000000000000000000000000000000000c0de")

func newTestSandbox(t *testing.T) (*Database, *StateDB) {
	t.Helper()
	src := NewMemorySource()
	src.SetAccount(alice, NewAccountInfo(uint256.NewInt(1000), 4, nil))
	src.SetAccount(contract, NewAccountInfo(nil, 1, []byte{0x60, 0x00}))
	src.SetStorage(contract, slotA, common.HexToHash("0x11"))
	db := New(src, testBlock)
	return db, db.NewSandboxFork(context.Background())
}

func TestStateDB_RevertToSnapshot(t *testing.T) {
	_, s := newTestSandbox(t)

	snap := s.Snapshot()
	s.AddBalance(alice, uint256.NewInt(5), tracing.BalanceChangeUnspecified)
	s.SetNonce(alice, 5, tracing.NonceChangeUnspecified)
	s.SetState(contract, slotA, common.HexToHash("0x22"))
	s.AddRefund(100)
	s.AddLog(&types.Log{Address: contract})

	inner := s.Snapshot()
	s.SubBalance(alice, uint256.NewInt(1005), tracing.BalanceChangeUnspecified)
	require.True(t, s.GetBalance(alice).IsZero())
	s.RevertToSnapshot(inner)
	require.Equal(t, uint64(1005), s.GetBalance(alice).Uint64())

	s.RevertToSnapshot(snap)
	require.Equal(t, uint64(1000), s.GetBalance(alice).Uint64())
	require.Equal(t, uint64(4), s.GetNonce(alice))
	require.Equal(t, common.HexToHash("0x11"), s.GetState(contract, slotA))
	require.Zero(t, s.GetRefund())
	require.Empty(t, s.Logs())
}

func TestStateDB_CommittedState(t *testing.T) {
	_, s := newTestSandbox(t)

	prev := s.SetState(contract, slotA, common.HexToHash("0x33"))
	require.Equal(t, common.HexToHash("0x11"), prev)

	current, committed := s.GetStateAndCommittedState(contract, slotA)
	require.Equal(t, common.HexToHash("0x33"), current)
	require.Equal(t, common.HexToHash("0x11"), committed)

	s.Finalise(true)
	current, committed = s.GetStateAndCommittedState(contract, slotA)
	require.Equal(t, common.HexToHash("0x33"), current)
	require.Equal(t, common.HexToHash("0x33"), committed)
}

func TestStateDB_CommitWritesOverrides(t *testing.T) {
	db, s := newTestSandbox(t)

	s.SubBalance(alice, uint256.NewInt(100), tracing.BalanceChangeUnspecified)
	s.SetNonce(alice, 5, tracing.NonceChangeUnspecified)
	s.SetState(contract, slotB, common.HexToHash("0x44"))
	require.NoError(t, s.Commit())

	a, err := db.Account(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, uint64(900), a.Balance.Uint64())
	require.Equal(t, uint64(5), a.Nonce)

	v, err := db.Storage(context.Background(), contract, slotB)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x44"), v)

	next := db.NewSandboxFork(context.Background())
	require.Equal(t, uint64(900), next.GetBalance(alice).Uint64())
	require.Equal(t, common.HexToHash("0x11"), next.GetState(contract, slotA))
}

func TestStateDB_CodeHash(t *testing.T) {
	_, s := newTestSandbox(t)

	nobody := common.HexToAddress("0x000000000000000000000000000000000000dead")
	require.Equal(t, common.Hash{}, s.GetCodeHash(nobody))
	require.False(t, s.Exist(nobody))
	require.True(t, s.Empty(nobody))

	require.Equal(t, types.EmptyCodeHash, s.GetCodeHash(alice))
	require.Equal(t, crypto.Keccak256Hash([]byte{0x60, 0x00}), s.GetCodeHash(contract))

	code := []byte{0x00}
	prev := s.SetCode(contract, code, tracing.CodeChangeUnspecified)
	require.Equal(t, []byte{0x60, 0x00}, prev)
	require.Equal(t, crypto.Keccak256Hash(code), s.GetCodeHash(contract))
	require.Equal(t, 1, s.GetCodeSize(contract))
}

func TestStateDB_TransientStorage(t *testing.T) {
	_, s := newTestSandbox(t)

	snap := s.Snapshot()
	s.SetTransientState(contract, slotA, common.HexToHash("0x01"))
	require.Equal(t, common.HexToHash("0x01"), s.GetTransientState(contract, slotA))
	s.RevertToSnapshot(snap)
	require.Equal(t, common.Hash{}, s.GetTransientState(contract, slotA))

	s.SetTransientState(contract, slotA, common.HexToHash("0x02"))
	s.Prepare(params.Rules{IsBerlin: true}, alice, common.Address{}, &contract, nil, nil)
	require.Equal(t, common.Hash{}, s.GetTransientState(contract, slotA))
}

func TestStateDB_AccessList(t *testing.T) {
	_, s := newTestSandbox(t)

	list := types.AccessList{{Address: contract, StorageKeys: []common.Hash{slotA}}}
	s.Prepare(params.Rules{IsBerlin: true, IsShanghai: true}, alice, token, nil, nil, list)

	require.True(t, s.AddressInAccessList(alice))
	require.True(t, s.AddressInAccessList(token))
	addrOk, slotOk := s.SlotInAccessList(contract, slotA)
	require.True(t, addrOk)
	require.True(t, slotOk)

	snap := s.Snapshot()
	s.AddSlotToAccessList(contract, slotB)
	_, slotOk = s.SlotInAccessList(contract, slotB)
	require.True(t, slotOk)
	s.RevertToSnapshot(snap)
	_, slotOk = s.SlotInAccessList(contract, slotB)
	require.False(t, slotOk)
}

func TestStateDB_SelfDestruct6780(t *testing.T) {
	db, s := newTestSandbox(t)

	_, destructed := s.SelfDestruct6780(contract)
	require.False(t, destructed)
	require.False(t, s.HasSelfDestructed(contract))

	fresh := common.HexToAddress("0x000000000000000000000000000000000000beef")
	s.CreateAccount(fresh)
	s.CreateContract(fresh)
	s.AddBalance(fresh, uint256.NewInt(9), tracing.BalanceChangeUnspecified)
	s.SetCode(fresh, []byte{0x00}, tracing.CodeChangeUnspecified)

	bal, destructed := s.SelfDestruct6780(fresh)
	require.True(t, destructed)
	require.Equal(t, uint64(9), bal.Uint64())
	require.True(t, s.GetBalance(fresh).IsZero())

	require.NoError(t, s.Commit())
	a, err := db.Account(context.Background(), fresh)
	require.NoError(t, err)
	require.True(t, a.Empty())
}

func TestStateDB_CreateAccountWipesStorage(t *testing.T) {
	db, s := newTestSandbox(t)

	s.CreateAccount(contract)
	require.Equal(t, common.Hash{}, s.GetState(contract, slotA))
	require.True(t, s.Exist(contract))
	s.SetNonce(contract, 1, tracing.NonceChangeUnspecified)
	require.NoError(t, s.Commit())

	v, err := db.Storage(context.Background(), contract, slotA)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, v)
}

func TestStateDB_RecordsRemoteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := NewMockStateSource(ctrl)
	boom := errors.New("connection reset")
	src.EXPECT().Basic(gomock.Any(), alice, gomock.Any()).Return(nil, uint64(0), boom).AnyTimes()
	src.EXPECT().Code(gomock.Any(), alice, gomock.Any()).Return(nil, nil).AnyTimes()

	db := New(src, testBlock)
	s := db.NewSandboxFork(context.Background())
	require.True(t, s.GetBalance(alice).IsZero())
	require.ErrorIs(t, s.Error(), boom)

	s.SetNonce(alice, 1, tracing.NonceChangeUnspecified)
	require.ErrorIs(t, s.Commit(), boom)
	accounts, _ := db.OverrideCount()
	require.Zero(t, accounts)
}

func TestStateDB_LogsAreTagged(t *testing.T) {
	_, s := newTestSandbox(t)

	h := common.HexToHash("0xfeed")
	s.SetTxContext(h, 3)
	s.AddLog(&types.Log{Address: contract})
	s.AddLog(&types.Log{Address: contract})

	logs := s.Logs()
	require.Len(t, logs, 2)
	require.Equal(t, h, logs[1].TxHash)
	require.Equal(t, uint(3), logs[1].TxIndex)
	require.Equal(t, uint(1), logs[1].Index)
}

func TestStateDB_FinaliseDeletesTouchedEmpty(t *testing.T) {
	db, s := newTestSandbox(t)

	ghost := common.HexToAddress("0x0000000000000000000000000000000000000777")
	s.AddBalance(ghost, new(uint256.Int), tracing.BalanceChangeUnspecified)
	require.NoError(t, s.Commit())

	v, err := db.Storage(context.Background(), ghost, slotA)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, v)
	accounts, _ := db.OverrideCount()
	require.Equal(t, 1, accounts)
}
