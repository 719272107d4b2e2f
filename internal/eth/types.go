package eth

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transaction is a transaction as reported by a node's JSON-RPC, sender
// included. Using the RPC view instead of types.Transaction keeps rollup
// system transactions (deposit, ArbOS internal) decodable: their typed
// envelopes are unknown to go-ethereum.
type Transaction struct {
	Hash                 common.Hash                  `json:"hash"`
	Type                 hexutil.Uint64               `json:"type"`
	From                 common.Address               `json:"from"`
	To                   *common.Address              `json:"to"`
	Nonce                hexutil.Uint64               `json:"nonce"`
	Gas                  hexutil.Uint64               `json:"gas"`
	GasPrice             *hexutil.Big                 `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big                 `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big                 `json:"maxPriorityFeePerGas,omitempty"`
	MaxFeePerBlobGas     *hexutil.Big                 `json:"maxFeePerBlobGas,omitempty"`
	Value                *hexutil.Big                 `json:"value"`
	Input                hexutil.Bytes                `json:"input"`
	AccessList           types.AccessList             `json:"accessList,omitempty"`
	BlobVersionedHashes  []common.Hash                `json:"blobVersionedHashes,omitempty"`
	AuthorizationList    []types.SetCodeAuthorization `json:"authorizationList,omitempty"`
	ChainID              *hexutil.Big                 `json:"chainId,omitempty"`
	BlockHash            *common.Hash                 `json:"blockHash"`
	BlockNumber          *hexutil.Big                 `json:"blockNumber"`
	TransactionIndex     *hexutil.Uint64              `json:"transactionIndex"`
}

// Pending reports whether the transaction has no containing block yet.
func (tx *Transaction) Pending() bool {
	return tx.BlockNumber == nil
}

// Number returns the containing block number; only valid when !Pending().
func (tx *Transaction) Number() uint64 {
	return tx.BlockNumber.ToInt().Uint64()
}

// IsCreate reports a contract-creation transaction.
func (tx *Transaction) IsCreate() bool {
	return tx.To == nil
}

func bigOrNil(b *hexutil.Big) *big.Int {
	if b == nil {
		return nil
	}
	return new(big.Int).Set(b.ToInt())
}

// GasPriceInt, FeeCapInt, TipCapInt and ValueInt return copies (nil when absent).
func (tx *Transaction) GasPriceInt() *big.Int { return bigOrNil(tx.GasPrice) }
func (tx *Transaction) FeeCapInt() *big.Int   { return bigOrNil(tx.MaxFeePerGas) }
func (tx *Transaction) TipCapInt() *big.Int   { return bigOrNil(tx.MaxPriorityFeePerGas) }
func (tx *Transaction) BlobFeeCapInt() *big.Int {
	return bigOrNil(tx.MaxFeePerBlobGas)
}

func (tx *Transaction) ValueInt() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(tx.Value.ToInt())
}

// Header carries the fields of a block header the simulator needs.
type Header struct {
	Number        hexutil.Uint64  `json:"number"`
	Hash          common.Hash     `json:"hash"`
	ParentHash    common.Hash     `json:"parentHash"`
	Timestamp     hexutil.Uint64  `json:"timestamp"`
	Miner         common.Address  `json:"miner"`
	Difficulty    *hexutil.Big    `json:"difficulty"`
	MixHash       common.Hash     `json:"mixHash"`
	BaseFee       *hexutil.Big    `json:"baseFeePerGas,omitempty"`
	GasLimit      hexutil.Uint64  `json:"gasLimit"`
	GasUsed       hexutil.Uint64  `json:"gasUsed"`
	ExcessBlobGas *hexutil.Uint64 `json:"excessBlobGas,omitempty"`
	BlobGasUsed   *hexutil.Uint64 `json:"blobGasUsed,omitempty"`
}

// HeaderFromTypes converts a decoded go-ethereum header.
func HeaderFromTypes(h *types.Header) *Header {
	out := &Header{
		Number:     hexutil.Uint64(h.Number.Uint64()),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  hexutil.Uint64(h.Time),
		Miner:      h.Coinbase,
		MixHash:    h.MixDigest,
		GasLimit:   hexutil.Uint64(h.GasLimit),
		GasUsed:    hexutil.Uint64(h.GasUsed),
	}
	if h.Difficulty != nil {
		out.Difficulty = (*hexutil.Big)(new(big.Int).Set(h.Difficulty))
	}
	if h.BaseFee != nil {
		out.BaseFee = (*hexutil.Big)(new(big.Int).Set(h.BaseFee))
	}
	if h.ExcessBlobGas != nil {
		v := hexutil.Uint64(*h.ExcessBlobGas)
		out.ExcessBlobGas = &v
	}
	if h.BlobGasUsed != nil {
		v := hexutil.Uint64(*h.BlobGasUsed)
		out.BlobGasUsed = &v
	}
	return out
}

// Block is a header plus its full transaction list, in block order.
type Block struct {
	Header
	Transactions []*Transaction `json:"transactions"`
}

// BlockContext is the immutable execution environment of one block.
type BlockContext struct {
	Number        uint64
	Hash          common.Hash
	Timestamp     uint64
	Coinbase      common.Address
	Difficulty    *big.Int
	PrevRandao    *common.Hash // set post-merge (zero difficulty)
	BaseFee       *big.Int
	GasLimit      uint64
	ExcessBlobGas *uint64
}

// Context derives the block's execution environment.
func (h *Header) Context() BlockContext {
	bc := BlockContext{
		Number:     uint64(h.Number),
		Hash:       h.Hash,
		Timestamp:  uint64(h.Timestamp),
		Coinbase:   h.Miner,
		Difficulty: new(big.Int),
		GasLimit:   uint64(h.GasLimit),
	}
	if h.Difficulty != nil {
		bc.Difficulty.Set(h.Difficulty.ToInt())
	}
	if bc.Difficulty.Sign() == 0 {
		random := h.MixHash
		bc.PrevRandao = &random
	}
	if h.BaseFee != nil {
		bc.BaseFee = new(big.Int).Set(h.BaseFee.ToInt())
	}
	if h.ExcessBlobGas != nil {
		v := uint64(*h.ExcessBlobGas)
		bc.ExcessBlobGas = &v
	}
	return bc
}
