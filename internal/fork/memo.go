package fork

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

type slotKey struct {
	addr common.Address
	slot common.Hash
}

// memo holds what was fetched from the remote source for one block. Entries
// are never replaced: the first stored value wins, so every reader of the
// block observes the same state.
type memo struct {
	mu       sync.RWMutex
	accounts map[common.Address]AccountInfo
	code     map[common.Hash][]byte
	storage  map[slotKey]common.Hash
	hashes   map[uint64]common.Hash

	group singleflight.Group
}

func newMemo() *memo {
	return &memo{
		accounts: make(map[common.Address]AccountInfo),
		code:     make(map[common.Hash][]byte),
		storage:  make(map[slotKey]common.Hash),
		hashes:   make(map[uint64]common.Hash),
	}
}

func (m *memo) account(addr common.Address) (AccountInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[addr]
	return a, ok
}

func (m *memo) storeAccount(addr common.Address, a AccountInfo) AccountInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.accounts[addr]; ok {
		return prev
	}
	m.accounts[addr] = a
	if len(a.Code) > 0 {
		m.code[a.CodeHash] = a.Code
	}
	return a
}

func (m *memo) codeByHash(hash common.Hash) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.code[hash]
	return c, ok
}

func (m *memo) slot(addr common.Address, slot common.Hash) (common.Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.storage[slotKey{addr, slot}]
	return v, ok
}

func (m *memo) storeSlot(addr common.Address, slot, value common.Hash) common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slotKey{addr, slot}
	if prev, ok := m.storage[k]; ok {
		return prev
	}
	m.storage[k] = value
	return value
}

func (m *memo) blockHash(number uint64) (common.Hash, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[number]
	return h, ok
}

func (m *memo) storeBlockHash(number uint64, hash common.Hash) common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.hashes[number]; ok {
		return prev
	}
	m.hashes[number] = hash
	return hash
}

func (m *memo) size() (accounts, slots int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts), len(m.storage)
}
