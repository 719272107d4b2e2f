package simulator

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrProvider                     = errors.New("provider error")
	ErrTransactionNotFound          = errors.New("transaction not found")
	ErrTransactionBlkNumberNotFound = errors.New("transaction block number not found")
	ErrSimulationEvmOtherTx         = errors.New("evm failed on a prior transaction of the block")
	ErrSimulationEvm                = errors.New("evm failed on the target transaction")
	ErrDecodeRevertMsg              = errors.New("cannot decode revert message")
	ErrBlockNumberUnmatch           = errors.New("block number mismatch")
	ErrForkFactoryNotReady          = errors.New("fork factory not ready")
	ErrTimeout                      = errors.New("replay timed out")
	ErrContractCreationUnsupported  = errors.New("contract creation target unsupported")
)

// SimulationError classifies a failed replay. Kind is one of the sentinels
// above; both Kind and the underlying Err match errors.Is.
type SimulationError struct {
	Kind    error
	TxHash  common.Hash
	Details string
	Err     error
}

func (e *SimulationError) Error() string {
	msg := e.Kind.Error()
	if e.TxHash != (common.Hash{}) {
		msg = fmt.Sprintf("%s: tx %s", msg, e.TxHash.Hex())
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SimulationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, hash common.Hash, err error, format string, args ...any) *SimulationError {
	return &SimulationError{Kind: kind, TxHash: hash, Details: fmt.Sprintf(format, args...), Err: err}
}

// Kind returns the sentinel classifying err, or nil when err is not a
// simulation error.
func Kind(err error) error {
	var se *SimulationError
	if errors.As(err, &se) {
		return se.Kind
	}
	for _, k := range []error{
		ErrProvider, ErrTransactionNotFound, ErrTransactionBlkNumberNotFound,
		ErrSimulationEvmOtherTx, ErrSimulationEvm, ErrDecodeRevertMsg,
		ErrBlockNumberUnmatch, ErrForkFactoryNotReady, ErrTimeout,
		ErrContractCreationUnsupported,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
