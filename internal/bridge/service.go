// Package bridge exposes the simulator to other processes over JSON-RPC 2.0
// and streams primed block contexts over a websocket.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/oracle"
	"github.com/pulkyeet/mev-simulator/internal/pool"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
)

// ServiceName prefixes every method: "simulator.Replay".
const ServiceName = "simulator"

const (
	StatusSuccess = "success"
	StatusRevert  = "revert"
	StatusFailure = "failure"

	DefaultBundleGas = 3_000_000
)

var (
	errNoSender = errors.New("bundle transaction has no sender")
	errNoHash   = errors.New("tx_hash is required")
	errNoAmount = errors.New("balance override has no amount")
)

// Simulator is the part of *simulator.Simulator the bridge serves.
type Simulator interface {
	ReplayTransaction(ctx context.Context, hash common.Hash) (*simulator.ReplayResult, error)
	SimulateBundle(ctx context.Context, db *fork.Database, bc eth.BlockContext, txs []*eth.Transaction) (*simulator.BundleResult, error)
}

// Snapshots serves the latest primed fork; *oracle.Oracle implements it.
type Snapshots interface {
	Current() (*oracle.Snapshot, error)
	CurrentAt(number uint64) (*oracle.Snapshot, error)
}

// Service holds the JSON-RPC methods. Simulation outcomes, failures
// included, are reported in the reply; a JSON-RPC error means the request
// itself was malformed.
type Service struct {
	sim       Simulator
	snapshots Snapshots
	registry  *registry.Registry
	network   eth.Network
	started   time.Time
}

// NewService serves sim over snapshots. reg resolves the storage layout of
// tokens named in bundle state overrides.
func NewService(sim Simulator, snapshots Snapshots, reg *registry.Registry, network eth.Network) *Service {
	return &Service{sim: sim, snapshots: snapshots, registry: reg, network: network, started: time.Now()}
}

type ReplayArgs struct {
	TxHash common.Hash `json:"tx_hash"`
}

type ReplayReply struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	RevertMessage string `json:"revert_message"`
	GasUsed       uint64 `json:"gas_used"`
}

// failure fills a failure reply. Simulation errors render their kind first.
func failure(err error) (string, string) {
	return StatusFailure, err.Error()
}

// Replay replays a mined transaction.
func (s *Service) Replay(r *http.Request, args *ReplayArgs, reply *ReplayReply) error {
	if args.TxHash == (common.Hash{}) {
		return errNoHash
	}
	res, err := s.sim.ReplayTransaction(r.Context(), args.TxHash)
	if err != nil {
		reply.Status, reply.Message = failure(err)
		log.Debug("Bridge replay failed", "hash", args.TxHash, "err", err)
		return nil
	}
	reply.GasUsed = res.GasUsed
	if res.Success() {
		reply.Status = StatusSuccess
		reply.Message = hexutil.Encode(res.Output)
		return nil
	}
	reply.Status = StatusRevert
	reply.Message = "execution reverted"
	reply.RevertMessage = res.RevertMessage
	return nil
}

// BundleTx is an unsigned call. A missing nonce is filled from the
// snapshot state, counting earlier bundle transactions of the same sender.
type BundleTx struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

// BalanceOverride sets the holder's balance of a registry token, or of
// ether when Token is absent.
type BalanceOverride struct {
	Holder common.Address  `json:"holder"`
	Token  *common.Address `json:"token,omitempty"`
	Amount *hexutil.Big    `json:"amount"`
}

// AllowanceOverride sets allowance(owner, spender) of a registry token.
// A missing amount approves the maximum.
type AllowanceOverride struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *hexutil.Big   `json:"amount,omitempty"`
}

type BundleArgs struct {
	Transactions []BundleTx `json:"transactions"`
	// BlockNumber pins the snapshot; the latest one is used when absent.
	BlockNumber *hexutil.Uint64 `json:"block_number,omitempty"`

	// Overrides are installed on a private copy of the snapshot before
	// the first transaction.
	Balances   []BalanceOverride   `json:"balances,omitempty"`
	Allowances []AllowanceOverride `json:"allowances,omitempty"`
}

type BundleTxReply struct {
	Status        string        `json:"status"`
	Output        hexutil.Bytes `json:"output,omitempty"`
	RevertMessage string        `json:"revert_message,omitempty"`
	GasUsed       uint64        `json:"gas_used"`
}

type BundleReply struct {
	Status       string          `json:"status"`
	Message      string          `json:"message,omitempty"`
	BlockNumber  uint64          `json:"block_number"`
	RevertedAt   int             `json:"reverted_at"`
	TotalGasUsed uint64          `json:"total_gas_used"`
	Transactions []BundleTxReply `json:"transactions"`
}

// SimulateBundle runs an atomic bundle on top of the latest primed snapshot.
func (s *Service) SimulateBundle(r *http.Request, args *BundleArgs, reply *BundleReply) error {
	reply.RevertedAt = -1
	if len(args.Transactions) == 0 {
		return simulator.ErrEmptyBundle
	}
	ctx := r.Context()

	var (
		snap *oracle.Snapshot
		err  error
	)
	if args.BlockNumber != nil {
		snap, err = s.snapshots.CurrentAt(uint64(*args.BlockNumber))
	} else {
		snap, err = s.snapshots.Current()
	}
	if err != nil {
		reply.Status, reply.Message = failure(err)
		return nil
	}
	reply.BlockNumber = snap.Context.Number

	db := snap.DB
	if len(args.Balances) > 0 || len(args.Allowances) > 0 {
		db = snap.DB.Derive()
		if err := s.applyOverrides(ctx, db, args); err != nil {
			reply.Status, reply.Message = failure(err)
			return nil
		}
	}
	txs, err := s.bundleTransactions(ctx, db, args.Transactions)
	if err != nil {
		reply.Status, reply.Message = failure(err)
		return nil
	}
	res, err := s.sim.SimulateBundle(ctx, db, snap.Context, txs)
	if err != nil {
		reply.Status, reply.Message = failure(err)
		return nil
	}

	reply.TotalGasUsed = res.TotalGasUsed
	reply.RevertedAt = res.RevertedAt
	reply.Status = StatusSuccess
	if !res.Success {
		reply.Status = StatusRevert
	}
	for _, tx := range res.Transactions {
		out := BundleTxReply{Status: StatusSuccess, GasUsed: tx.GasUsed, Output: tx.Output}
		if tx.Outcome != simulator.OutcomeSuccess {
			out.Status = StatusRevert
			out.RevertMessage = tx.RevertMessage
		}
		reply.Transactions = append(reply.Transactions, out)
	}
	return nil
}

func (s *Service) token(addr common.Address) (registry.Token, error) {
	tok, ok := s.registry.TokenByAddress(s.network, addr)
	if !ok {
		return registry.Token{}, fmt.Errorf("%w: %s", pool.ErrUnknownToken, addr.Hex())
	}
	return tok, nil
}

func amount(v *hexutil.Big) (*uint256.Int, error) {
	if v == nil {
		return nil, errNoAmount
	}
	a, overflow := uint256.FromBig(v.ToInt())
	if overflow || v.ToInt().Sign() < 0 {
		return nil, fmt.Errorf("amount %s out of range", v)
	}
	return a, nil
}

func (s *Service) applyOverrides(ctx context.Context, db *fork.Database, args *BundleArgs) error {
	for i, o := range args.Balances {
		a, err := amount(o.Amount)
		if err != nil {
			return fmt.Errorf("balance %d: %w", i, err)
		}
		if o.Token == nil {
			if err := pool.FundEther(ctx, db, o.Holder, a); err != nil {
				return fmt.Errorf("%w: balance %d: %w", simulator.ErrProvider, i, err)
			}
			continue
		}
		tok, err := s.token(*o.Token)
		if err != nil {
			return fmt.Errorf("balance %d: %w", i, err)
		}
		pool.Fund(db, tok, o.Holder, a)
	}
	for i, o := range args.Allowances {
		tok, err := s.token(o.Token)
		if err != nil {
			return fmt.Errorf("allowance %d: %w", i, err)
		}
		a := pool.MaxApproval
		if o.Amount != nil {
			if a, err = amount(o.Amount); err != nil {
				return fmt.Errorf("allowance %d: %w", i, err)
			}
		}
		pool.Approve(db, tok, o.Owner, o.Spender, a)
	}
	return nil
}

func (s *Service) bundleTransactions(ctx context.Context, db *fork.Database, in []BundleTx) ([]*eth.Transaction, error) {
	next := make(map[common.Address]uint64)
	out := make([]*eth.Transaction, 0, len(in))
	for i, btx := range in {
		if btx.From == (common.Address{}) {
			return nil, fmt.Errorf("index %d: %w", i, errNoSender)
		}
		tx := &eth.Transaction{
			From:     btx.From,
			To:       btx.To,
			Gas:      DefaultBundleGas,
			GasPrice: btx.GasPrice,
			Value:    btx.Value,
			Input:    btx.Data,
		}
		if btx.Gas != nil {
			tx.Gas = *btx.Gas
		}

		nonce, ok := next[btx.From]
		if !ok {
			acct, err := db.Account(ctx, btx.From)
			if err != nil {
				return nil, fmt.Errorf("%w: nonce of %s: %w", simulator.ErrProvider, btx.From.Hex(), err)
			}
			nonce = acct.Nonce
		}
		if btx.Nonce != nil {
			nonce = uint64(*btx.Nonce)
		}
		tx.Nonce = hexutil.Uint64(nonce)
		next[btx.From] = nonce + 1
		out = append(out, tx)
	}
	return out, nil
}

type StatusArgs struct{}

type StatusReply struct {
	Network     string      `json:"network"`
	Ready       bool        `json:"ready"`
	BlockNumber uint64      `json:"block_number"`
	BlockHash   common.Hash `json:"block_hash"`
	Primed      int         `json:"primed_pools"`
	Failed      int         `json:"failed_pools"`
	Uptime      string      `json:"uptime"`
}

// Status reports the network and the latest primed snapshot.
func (s *Service) Status(r *http.Request, args *StatusArgs, reply *StatusReply) error {
	reply.Network = s.network.String()
	reply.Uptime = time.Since(s.started).Round(time.Second).String()
	snap, err := s.snapshots.Current()
	if err != nil {
		return nil
	}
	reply.Ready = true
	reply.BlockNumber = snap.Context.Number
	reply.BlockHash = snap.Context.Hash
	reply.Primed = snap.Primed
	reply.Failed = snap.Failed
	return nil
}
