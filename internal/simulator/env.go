package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip4844"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/mev-simulator/internal/eth"
)

// Configure builds the message the executor applies for tx. Dynamic-fee
// transactions pay min(feeCap, baseFee+tip); legacy ones their gas price.
func Configure(tx *eth.Transaction, baseFee *big.Int) *core.Message {
	msg := &core.Message{
		From:                  tx.From,
		To:                    tx.To,
		Nonce:                 uint64(tx.Nonce),
		Value:                 tx.ValueInt(),
		GasLimit:              uint64(tx.Gas),
		Data:                  common.CopyBytes(tx.Input),
		AccessList:            tx.AccessList,
		BlobHashes:            tx.BlobVersionedHashes,
		BlobGasFeeCap:         tx.BlobFeeCapInt(),
		SetCodeAuthorizations: tx.AuthorizationList,
	}

	feeCap, tipCap := tx.FeeCapInt(), tx.TipCapInt()
	if feeCap == nil || tipCap == nil {
		price := tx.GasPriceInt()
		if price == nil {
			price = new(big.Int)
		}
		msg.GasPrice = price
		msg.GasFeeCap = new(big.Int).Set(price)
		msg.GasTipCap = new(big.Int).Set(price)
		return msg
	}

	msg.GasFeeCap = feeCap
	msg.GasTipCap = tipCap
	msg.GasPrice = new(big.Int).Set(feeCap)
	if baseFee != nil {
		effective := new(big.Int).Add(tipCap, baseFee)
		if effective.Cmp(feeCap) < 0 {
			msg.GasPrice = effective
		}
	}
	return msg
}

// NewBlockContext converts bc into the executor's block environment.
// getHash serves BLOCKHASH.
func NewBlockContext(bc eth.BlockContext, cfg *params.ChainConfig, getHash vm.GetHashFunc) vm.BlockContext {
	ctx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash:     getHash,
		Coinbase:    bc.Coinbase,
		BlockNumber: new(big.Int).SetUint64(bc.Number),
		Time:        bc.Timestamp,
		Difficulty:  new(big.Int),
		GasLimit:    bc.GasLimit,
	}
	if bc.Difficulty != nil {
		ctx.Difficulty.Set(bc.Difficulty)
	}
	if bc.BaseFee != nil {
		ctx.BaseFee = new(big.Int).Set(bc.BaseFee)
	}
	if bc.PrevRandao != nil {
		random := *bc.PrevRandao
		ctx.Random = &random
	}
	if bc.ExcessBlobGas != nil && cfg.IsCancun(ctx.BlockNumber, bc.Timestamp) {
		excess := *bc.ExcessBlobGas
		ctx.BlobBaseFee = eip4844.CalcBlobFee(cfg, &types.Header{
			Number:        ctx.BlockNumber,
			Time:          bc.Timestamp,
			ExcessBlobGas: &excess,
		})
	}
	return ctx
}
