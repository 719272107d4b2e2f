package fork

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MemorySource is a StateSource over fixed in-memory state, identical at
// every block. Block hashes default to keccak(number).
type MemorySource struct {
	mu       sync.RWMutex
	accounts map[common.Address]AccountInfo
	storage  map[slotKey]common.Hash
	hashes   map[uint64]common.Hash
	calls    int
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		accounts: make(map[common.Address]AccountInfo),
		storage:  make(map[slotKey]common.Hash),
		hashes:   make(map[uint64]common.Hash),
	}
}

func (m *MemorySource) SetAccount(addr common.Address, info AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr] = info.Copy()
}

func (m *MemorySource) SetStorage(addr common.Address, slot, value common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage[slotKey{addr, slot}] = value
}

func (m *MemorySource) SetBlockHash(number uint64, hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[number] = hash
}

// Calls counts every remote-style read served.
func (m *MemorySource) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *MemorySource) Basic(ctx context.Context, addr common.Address, block uint64) (*uint256.Int, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	a, ok := m.accounts[addr]
	if !ok {
		return new(uint256.Int), 0, nil
	}
	return new(uint256.Int).Set(a.Balance), a.Nonce, nil
}

func (m *MemorySource) Code(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.accounts[addr].Code, nil
}

func (m *MemorySource) Storage(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.storage[slotKey{addr, slot}], nil
}

func (m *MemorySource) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if h, ok := m.hashes[number]; ok {
		return h, nil
	}
	return crypto.Keccak256Hash(new(uint256.Int).SetUint64(number).PaddedBytes(32)), nil
}
