package fork

//go:generate mockgen -source=source.go -destination=source_mock.go -package=fork

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// StateSource is the remote side of a fork: historical state at a block.
type StateSource interface {
	Basic(ctx context.Context, addr common.Address, block uint64) (*uint256.Int, uint64, error)
	Code(ctx context.Context, addr common.Address, block uint64) ([]byte, error)
	Storage(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error)
	BlockHash(ctx context.Context, number uint64) (common.Hash, error)
}

// AccountInfo is the non-storage part of an account. Installed through
// Database.InsertAccountInfo it acts as an override.
type AccountInfo struct {
	Balance  *uint256.Int
	Nonce    uint64
	Code     []byte
	CodeHash common.Hash
}

// NewAccountInfo fills in the code hash.
func NewAccountInfo(balance *uint256.Int, nonce uint64, code []byte) AccountInfo {
	if balance == nil {
		balance = new(uint256.Int)
	}
	return AccountInfo{
		Balance:  balance,
		Nonce:    nonce,
		Code:     code,
		CodeHash: codeHash(code),
	}
}

func codeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return types.EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}

// Copy returns a deep copy; the code slice is shared since code is never
// mutated in place.
func (a AccountInfo) Copy() AccountInfo {
	cpy := a
	if a.Balance != nil {
		cpy.Balance = new(uint256.Int).Set(a.Balance)
	} else {
		cpy.Balance = new(uint256.Int)
	}
	if cpy.CodeHash == (common.Hash{}) {
		cpy.CodeHash = codeHash(a.Code)
	}
	return cpy
}

// Empty follows EIP-161: no code, zero nonce and zero balance.
func (a AccountInfo) Empty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.IsZero()) && len(a.Code) == 0
}
