package simulator

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/mev-simulator/internal/fork"
)

// Executor applies messages on a sandbox with go-ethereum's state
// transition.
type Executor struct {
	config   *params.ChainConfig
	vmConfig vm.Config
}

func NewExecutor(config *params.ChainConfig, vmConfig vm.Config) *Executor {
	return &Executor{config: config, vmConfig: vmConfig}
}

// Execution is one applied message.
type Execution struct {
	*core.ExecutionResult
	// Refunded is the gas returned to the sender after the refund cap.
	Refunded uint64
}

// Apply runs msg against statedb. A returned error is consensus-level (bad
// nonce, insufficient funds, gas pool exhausted) and leaves state
// untouched; EVM failures are reported in the result.
func (e *Executor) Apply(statedb *fork.StateDB, blockCtx vm.BlockContext, msg *core.Message, gp *core.GasPool) (*Execution, error) {
	evm := vm.NewEVM(blockCtx, statedb, e.config, e.vmConfig)
	evm.SetTxContext(core.NewEVMTxContext(msg))

	result, err := core.ApplyMessage(evm, msg, gp)
	if err != nil {
		return nil, err
	}
	quotient := params.RefundQuotient
	if e.config.IsLondon(blockCtx.BlockNumber) {
		quotient = params.RefundQuotientEIP3529
	}
	// UsedGas is net of the refund, which is capped at gross/quotient
	refunded := min(statedb.GetRefund(), result.UsedGas/(quotient-1))
	if e.config.IsPrague(blockCtx.BlockNumber, blockCtx.Time) {
		// charged at the calldata floor, nothing was returned
		if floor, err := core.FloorDataGas(msg.Data); err == nil && result.UsedGas == floor {
			refunded = 0
		}
	}
	return &Execution{ExecutionResult: result, Refunded: refunded}, nil
}

// classify maps an execution result onto an outcome. Halts other than
// REVERT and undecodable revert data are returned as errors.
func classify(hash common.Hash, res *core.ExecutionResult) (Outcome, string, error) {
	if res.Err == nil {
		return OutcomeSuccess, "", nil
	}
	if !errors.Is(res.Err, vm.ErrExecutionReverted) {
		return OutcomeRevert, "", newError(ErrSimulationEvm, hash, res.Err, "halted after %d gas", res.UsedGas)
	}
	msg, err := revertMessage(res.Revert())
	if err != nil {
		return OutcomeRevert, "", newError(ErrDecodeRevertMsg, hash, err, "revert data %#x", res.Revert())
	}
	return OutcomeRevert, msg, nil
}

// revertMessage decodes Error(string) and Panic(uint256) payloads. A bare
// REVERT carries no data.
func revertMessage(data []byte) (string, error) {
	if len(data) == 0 {
		return vm.ErrExecutionReverted.Error(), nil
	}
	return abi.UnpackRevert(data)
}
