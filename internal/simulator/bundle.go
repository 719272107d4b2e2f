package simulator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrEmptyBundle = errors.New("empty bundle")

// bundleTxHash stands in for the hash of an unsigned bundle transaction so
// its logs can be told apart.
func bundleTxHash(tx *eth.Transaction, i int) common.Hash {
	if tx.Hash != (common.Hash{}) {
		return tx.Hash
	}
	return common.BigToHash(big.NewInt(int64(i + 1)))
}

// SimulateBundle executes txs in order on a sandbox derived from db, in the
// block described by bc. The bundle is atomic: it stops at the first
// transaction that does not succeed and nothing it did reaches db. Base fee
// checks are disabled so callers may submit zero-priced transactions.
func (s *Simulator) SimulateBundle(ctx context.Context, db *fork.Database, bc eth.BlockContext, txs []*eth.Transaction) (*BundleResult, error) {
	if len(txs) == 0 {
		return nil, ErrEmptyBundle
	}
	ctx, span := tracer.Start(ctx, "simulator.SimulateBundle", trace.WithAttributes(
		attribute.Int("bundle.size", len(txs)),
		attribute.Int64("block.number", int64(bc.Number)),
	))
	defer span.End()

	derived := db.Derive()
	statedb := derived.NewSandboxFork(ctx)
	var hashErr error
	blockCtx := NewBlockContext(bc, s.config, func(n uint64) common.Hash {
		h, err := derived.BlockHash(ctx, n)
		if err != nil && hashErr == nil {
			hashErr = err
		}
		return h
	})
	gp := new(core.GasPool).AddGas(bc.GasLimit)

	result := &BundleResult{
		Success:      true,
		Transactions: make([]*TxResult, 0, len(txs)),
		RevertedAt:   -1,
	}
	fail := func(err error) (*BundleResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for i, tx := range txs {
		hash := bundleTxHash(tx, i)
		statedb.SetTxContext(hash, i)
		exec, err := s.bundler.Apply(statedb, blockCtx, Configure(tx, bc.BaseFee), gp)
		if rerr := errors.Join(statedb.Error(), hashErr); rerr != nil {
			return fail(newError(ErrProvider, hash, rerr, "bundle index %d", i))
		}
		if err != nil {
			return fail(newError(ErrSimulationEvm, hash, err, "bundle index %d rejected", i))
		}

		outcome, msg, cerr := classify(hash, exec.ExecutionResult)
		txResult := &TxResult{
			TxHash:  hash,
			Outcome: outcome,
			GasUsed: exec.UsedGas,
			Logs:    logsOf(statedb, hash),
		}
		switch {
		case cerr != nil:
			txResult.RevertMessage = cerr.Error()
		case outcome == OutcomeRevert:
			txResult.RevertMessage = msg
		default:
			txResult.Output = common.CopyBytes(exec.ReturnData)
		}
		result.Transactions = append(result.Transactions, txResult)
		result.TotalGasUsed += exec.UsedGas

		if outcome != OutcomeSuccess {
			result.Success = false
			result.RevertedAt = i
			bundleRevertedMeter.Inc(1)
			log.Debug("Bundle reverted", "index", i, "tx", hash, "reason", txResult.RevertMessage)
			return result, nil
		}
		if err := statedb.Commit(); err != nil {
			return fail(newError(ErrProvider, hash, err, "commit bundle index %d", i))
		}
	}
	log.Debug("Bundle executed", "block", bc.Number, "txs", len(txs), "gas", result.TotalGasUsed)
	return result, nil
}
