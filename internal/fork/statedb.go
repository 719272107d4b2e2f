package fork

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

var _ vm.StateDB = (*StateDB)(nil)

type stateObject struct {
	addr common.Address
	data AccountInfo

	origin  map[common.Hash]common.Hash // values at the start of the sandbox
	pending map[common.Hash]common.Hash // writes of finalised transactions
	dirty   map[common.Hash]common.Hash // writes of the current transaction

	created     bool // CreateAccount was called in this sandbox
	newContract bool // CreateContract was called in the current transaction
	wiped       bool // storage starts from zero instead of the database
	destructed  bool
	touched     bool
	modified    bool
}

func newObject(addr common.Address, data AccountInfo) *stateObject {
	return &stateObject{
		addr:    addr,
		data:    data,
		origin:  make(map[common.Hash]common.Hash),
		pending: make(map[common.Hash]common.Hash),
		dirty:   make(map[common.Hash]common.Hash),
	}
}

// StateDB is the executor's view of a Database. Mutations stay local until
// Commit writes them back as overrides. Remote read failures cannot be
// returned through vm.StateDB, so the first one is recorded and reported by
// Error; execution results observed after a failure must be discarded.
type StateDB struct {
	ctx context.Context
	db  *Database

	objects map[common.Address]*stateObject
	journal journal
	refund  uint64

	thash   common.Hash
	txIndex int
	logs    []*types.Log

	accessList map[common.Address]map[common.Hash]struct{}
	transient  map[slotKey]common.Hash

	err error
}

func newStateDB(ctx context.Context, db *Database) *StateDB {
	return &StateDB{
		ctx:        ctx,
		db:         db,
		objects:    make(map[common.Address]*stateObject),
		accessList: make(map[common.Address]map[common.Hash]struct{}),
		transient:  make(map[slotKey]common.Hash),
	}
}

// Error returns the first remote failure seen by this sandbox.
func (s *StateDB) Error() error {
	return s.err
}

func (s *StateDB) setError(err error) {
	if s.err == nil {
		log.Debug("Sandbox read failed", "block", s.db.block, "err", err)
		s.err = err
	}
}

// SetTxContext tags subsequently emitted logs.
func (s *StateDB) SetTxContext(hash common.Hash, index int) {
	s.thash = hash
	s.txIndex = index
}

func (s *StateDB) getObject(addr common.Address) *stateObject {
	if obj, ok := s.objects[addr]; ok {
		return obj
	}
	acct, err := s.db.Account(s.ctx, addr)
	if err != nil {
		s.setError(err)
		acct = NewAccountInfo(nil, 0, nil)
	}
	obj := newObject(addr, acct)
	s.objects[addr] = obj
	return obj
}

func (s *StateDB) touch(obj *stateObject) {
	if obj.touched {
		return
	}
	obj.touched = true
	s.journal.append(func() { obj.touched = false })
}

func (s *StateDB) exist(obj *stateObject) bool {
	return obj.created || !obj.data.Empty()
}

// CreateAccount replaces addr with a fresh empty account whose storage reads
// zero.
func (s *StateDB) CreateAccount(addr common.Address) {
	prev := s.getObject(addr)
	obj := newObject(addr, NewAccountInfo(nil, 0, nil))
	obj.created = true
	obj.wiped = true
	obj.touched = true
	s.objects[addr] = obj
	s.journal.append(func() { s.objects[addr] = prev })
}

func (s *StateDB) CreateContract(addr common.Address) {
	obj := s.getObject(addr)
	if obj.newContract {
		return
	}
	obj.newContract = true
	s.journal.append(func() { obj.newContract = false })
}

func (s *StateDB) GetBalance(addr common.Address) *uint256.Int {
	return new(uint256.Int).Set(s.getObject(addr).data.Balance)
}

func (s *StateDB) setBalance(obj *stateObject, amount *uint256.Int) {
	prev := obj.data.Balance
	s.journal.append(func() { obj.data.Balance = prev })
	obj.data.Balance = amount
	s.touch(obj)
}

func (s *StateDB) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	obj := s.getObject(addr)
	prev := *obj.data.Balance
	if amount.IsZero() {
		s.touch(obj)
		return prev
	}
	s.setBalance(obj, new(uint256.Int).Add(&prev, amount))
	return prev
}

func (s *StateDB) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	obj := s.getObject(addr)
	prev := *obj.data.Balance
	if amount.IsZero() {
		return prev
	}
	s.setBalance(obj, new(uint256.Int).Sub(&prev, amount))
	return prev
}

func (s *StateDB) GetNonce(addr common.Address) uint64 {
	return s.getObject(addr).data.Nonce
}

func (s *StateDB) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	obj := s.getObject(addr)
	prev := obj.data.Nonce
	s.journal.append(func() { obj.data.Nonce = prev })
	obj.data.Nonce = nonce
	s.touch(obj)
}

func (s *StateDB) GetCode(addr common.Address) []byte {
	return s.getObject(addr).data.Code
}

func (s *StateDB) GetCodeSize(addr common.Address) int {
	return len(s.getObject(addr).data.Code)
}

// GetCodeHash returns the zero hash for accounts that do not exist and the
// empty code hash for existing accounts without code.
func (s *StateDB) GetCodeHash(addr common.Address) common.Hash {
	obj := s.getObject(addr)
	if !s.exist(obj) {
		return common.Hash{}
	}
	return obj.data.CodeHash
}

func (s *StateDB) SetCode(addr common.Address, code []byte, reason tracing.CodeChangeReason) []byte {
	obj := s.getObject(addr)
	prevCode, prevHash := obj.data.Code, obj.data.CodeHash
	s.journal.append(func() {
		obj.data.Code = prevCode
		obj.data.CodeHash = prevHash
	})
	obj.data.Code = code
	obj.data.CodeHash = codeHash(code)
	s.touch(obj)
	return prevCode
}

// committedState is the value of key as of the start of the current
// transaction.
func (s *StateDB) committedState(obj *stateObject, key common.Hash) common.Hash {
	if v, ok := obj.pending[key]; ok {
		return v
	}
	if v, ok := obj.origin[key]; ok {
		return v
	}
	var value common.Hash
	if !obj.wiped {
		v, err := s.db.Storage(s.ctx, obj.addr, key)
		if err != nil {
			s.setError(err)
		} else {
			value = v
		}
	}
	obj.origin[key] = value
	return value
}

func (s *StateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	obj := s.getObject(addr)
	if v, ok := obj.dirty[key]; ok {
		return v
	}
	return s.committedState(obj, key)
}

func (s *StateDB) GetStateAndCommittedState(addr common.Address, key common.Hash) (common.Hash, common.Hash) {
	obj := s.getObject(addr)
	committed := s.committedState(obj, key)
	if v, ok := obj.dirty[key]; ok {
		return v, committed
	}
	return committed, committed
}

func (s *StateDB) SetState(addr common.Address, key, value common.Hash) common.Hash {
	obj := s.getObject(addr)
	prev := s.GetState(addr, key)
	if prev == value {
		return prev
	}
	old, had := obj.dirty[key]
	s.journal.append(func() {
		if had {
			obj.dirty[key] = old
		} else {
			delete(obj.dirty, key)
		}
	})
	obj.dirty[key] = value
	s.touch(obj)
	return prev
}

// GetStorageRoot is unknown for remote accounts; the zero hash makes the
// executor's create-collision check rely on nonce and code only.
func (s *StateDB) GetStorageRoot(addr common.Address) common.Hash {
	return common.Hash{}
}

func (s *StateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transient[slotKey{addr, key}]
}

func (s *StateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	k := slotKey{addr, key}
	prev := s.transient[k]
	if prev == value {
		return
	}
	s.journal.append(func() { s.transient[k] = prev })
	s.transient[k] = value
}

func (s *StateDB) SelfDestruct(addr common.Address) uint256.Int {
	obj := s.getObject(addr)
	prev := *obj.data.Balance
	prevDestructed, prevBalance := obj.destructed, obj.data.Balance
	s.journal.append(func() {
		obj.destructed = prevDestructed
		obj.data.Balance = prevBalance
	})
	obj.destructed = true
	obj.data.Balance = new(uint256.Int)
	s.touch(obj)
	return prev
}

func (s *StateDB) HasSelfDestructed(addr common.Address) bool {
	return s.getObject(addr).destructed
}

// SelfDestruct6780 only destructs contracts created in the same transaction.
func (s *StateDB) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	obj := s.getObject(addr)
	if obj.newContract {
		return s.SelfDestruct(addr), true
	}
	return *obj.data.Balance, false
}

func (s *StateDB) Exist(addr common.Address) bool {
	return s.exist(s.getObject(addr))
}

func (s *StateDB) Empty(addr common.Address) bool {
	return s.getObject(addr).data.Empty()
}

func (s *StateDB) Snapshot() int {
	return s.journal.snapshot()
}

func (s *StateDB) RevertToSnapshot(id int) {
	s.journal.revert(id)
}

func (s *StateDB) AddLog(l *types.Log) {
	l.TxHash = s.thash
	l.TxIndex = uint(s.txIndex)
	l.Index = uint(len(s.logs))
	n := len(s.logs)
	s.journal.append(func() { s.logs = s.logs[:n] })
	s.logs = append(s.logs, l)
}

// Logs returns every log emitted through this sandbox.
func (s *StateDB) Logs() []*types.Log {
	return s.logs
}

func (s *StateDB) AddRefund(gas uint64) {
	prev := s.refund
	s.journal.append(func() { s.refund = prev })
	s.refund += gas
}

func (s *StateDB) SubRefund(gas uint64) {
	prev := s.refund
	s.journal.append(func() { s.refund = prev })
	if gas > s.refund {
		log.Warn("Refund counter below zero", "gas", gas, "refund", s.refund)
		s.refund = 0
		return
	}
	s.refund -= gas
}

func (s *StateDB) GetRefund() uint64 {
	return s.refund
}

func (s *StateDB) AddPreimage(hash common.Hash, preimage []byte) {}

func (s *StateDB) AddAddressToAccessList(addr common.Address) {
	if _, ok := s.accessList[addr]; ok {
		return
	}
	s.accessList[addr] = nil
	s.journal.append(func() { delete(s.accessList, addr) })
}

func (s *StateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.AddAddressToAccessList(addr)
	slots := s.accessList[addr]
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		s.accessList[addr] = slots
	}
	if _, ok := slots[slot]; ok {
		return
	}
	slots[slot] = struct{}{}
	s.journal.append(func() { delete(slots, slot) })
}

func (s *StateDB) AddressInAccessList(addr common.Address) bool {
	_, ok := s.accessList[addr]
	return ok
}

func (s *StateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	slots, ok := s.accessList[addr]
	if !ok {
		return false, false
	}
	_, slotOk := slots[slot]
	return true, slotOk
}

// Prepare resets the access list and transient storage for a new
// transaction.
func (s *StateDB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	s.accessList = make(map[common.Address]map[common.Hash]struct{})
	s.transient = make(map[slotKey]common.Hash)
	if !rules.IsBerlin {
		return
	}
	s.AddAddressToAccessList(sender)
	if dest != nil {
		s.AddAddressToAccessList(*dest)
	}
	for _, addr := range precompiles {
		s.AddAddressToAccessList(addr)
	}
	for _, el := range txAccesses {
		s.AddAddressToAccessList(el.Address)
		for _, key := range el.StorageKeys {
			s.AddSlotToAccessList(el.Address, key)
		}
	}
	if rules.IsShanghai {
		s.AddAddressToAccessList(coinbase)
	}
}

func (s *StateDB) PointCache() *utils.PointCache {
	return nil
}

func (s *StateDB) Witness() *stateless.Witness {
	return nil
}

func (s *StateDB) AccessEvents() *state.AccessEvents {
	return nil
}

// Finalise closes the current transaction: destructed and, with
// deleteEmptyObjects, touched empty accounts are removed, storage writes
// become the committed values of the next transaction.
func (s *StateDB) Finalise(deleteEmptyObjects bool) {
	for _, obj := range s.objects {
		if !obj.touched {
			continue
		}
		if obj.destructed || (deleteEmptyObjects && obj.data.Empty()) {
			obj.data = NewAccountInfo(nil, 0, nil)
			obj.origin = make(map[common.Hash]common.Hash)
			obj.pending = make(map[common.Hash]common.Hash)
			obj.wiped = true
			obj.created = false
		} else {
			for k, v := range obj.dirty {
				obj.pending[k] = v
			}
		}
		obj.dirty = make(map[common.Hash]common.Hash)
		obj.newContract = false
		obj.destructed = false
		obj.touched = false
		obj.modified = true
	}
	s.journal.reset()
	s.refund = 0
}

// Commit finalises the open transaction and writes every modified account
// back to the database as overrides. Nothing is written when a remote read
// failed during the sandbox's lifetime.
func (s *StateDB) Commit() error {
	if s.err != nil {
		return s.err
	}
	s.Finalise(true)

	var accounts, slots int
	for addr, obj := range s.objects {
		if !obj.modified {
			continue
		}
		if obj.wiped {
			s.db.ClearAccountStorage(addr)
		}
		s.db.InsertAccountInfo(addr, obj.data)
		for k, v := range obj.pending {
			s.db.InsertAccountStorage(addr, k, v)
		}
		accounts++
		slots += len(obj.pending)
	}
	s.objects = make(map[common.Address]*stateObject)
	log.Trace("Committed sandbox", "block", s.db.block, "accounts", accounts, "slots", slots)
	return nil
}
