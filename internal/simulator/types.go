package simulator

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Outcome tags how the target transaction ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRevert
)

func (o Outcome) String() string {
	if o == OutcomeRevert {
		return "revert"
	}
	return "success"
}

// ReplayResult is the outcome of replaying one mined transaction.
// Output is set on success, RevertMessage on revert.
type ReplayResult struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Index         int
	Outcome       Outcome
	GasUsed       uint64
	GasRefunded   uint64
	Output        []byte
	RevertMessage string
	Logs          []*types.Log

	// PriorTxs counts transactions replayed before the target, Skipped the
	// system transactions left out.
	PriorTxs int
	Skipped  int
}

func (r *ReplayResult) Success() bool {
	return r.Outcome == OutcomeSuccess
}

// TxResult is one transaction of a bundle.
type TxResult struct {
	TxHash        common.Hash
	Outcome       Outcome
	GasUsed       uint64
	Output        []byte
	RevertMessage string
	Logs          []*types.Log
}

// BundleResult reports an atomic bundle. RevertedAt is the index of the
// first reverting transaction, -1 when all succeeded.
type BundleResult struct {
	Success      bool
	Transactions []*TxResult
	TotalGasUsed uint64
	RevertedAt   int
}
