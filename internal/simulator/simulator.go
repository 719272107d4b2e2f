package simulator

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/params"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultReplayTimeout = 2 * time.Minute

var (
	replayTimer         = metrics.NewRegisteredTimer("simulator/replay", nil)
	replayFailedMeter   = metrics.NewRegisteredCounter("simulator/replay/failed", nil)
	priorTxCounter      = metrics.NewRegisteredCounter("simulator/replay/prior", nil)
	skippedTxCounter    = metrics.NewRegisteredCounter("simulator/replay/skipped", nil)
	bundleRevertedMeter = metrics.NewRegisteredCounter("simulator/bundle/reverted", nil)

	tracer = otel.Tracer("github.com/pulkyeet/mev-simulator/internal/simulator")
)

// ChainProvider serves the mined transactions and blocks a replay needs.
type ChainProvider interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*eth.Transaction, error)
	BlockWithTransactions(ctx context.Context, number uint64) (*eth.Block, error)
}

// Simulator replays mined transactions on a fork of their parent block.
type Simulator struct {
	provider ChainProvider
	source   fork.StateSource
	registry *registry.Registry
	config   *params.ChainConfig

	replayTimeout time.Duration
	forkOpts      []fork.Option

	executor *Executor
	bundler  *Executor
}

type Option func(*Simulator)

// WithReplayTimeout bounds a whole replay; zero disables the bound.
func WithReplayTimeout(d time.Duration) Option {
	return func(s *Simulator) { s.replayTimeout = d }
}

// WithForkOptions configures the per-replay fork database.
func WithForkOptions(opts ...fork.Option) Option {
	return func(s *Simulator) { s.forkOpts = append(s.forkOpts, opts...) }
}

// WithChainConfig replaces the network's execution rules.
func WithChainConfig(cfg *params.ChainConfig) Option {
	return func(s *Simulator) { s.config = cfg }
}

// New creates a simulator reading transactions from provider and state from
// source; they are usually the same client, source possibly behind a
// persistent cache.
func New(provider ChainProvider, source fork.StateSource, reg *registry.Registry, network eth.Network, opts ...Option) *Simulator {
	s := &Simulator{
		provider:      provider,
		source:        source,
		registry:      reg,
		config:        network.ChainConfig(),
		replayTimeout: DefaultReplayTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.executor = NewExecutor(s.config, vm.Config{})
	s.bundler = NewExecutor(s.config, vm.Config{NoBaseFee: true})
	return s
}

func (s *Simulator) ChainConfig() *params.ChainConfig {
	return s.config
}

// ReplayTransaction re-executes the mined transaction hash on the state of
// its parent block after replaying every transaction ordered before it.
// Failures are *SimulationError values.
func (s *Simulator) ReplayTransaction(ctx context.Context, hash common.Hash) (*ReplayResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "simulator.ReplayTransaction", trace.WithAttributes(attribute.String("tx.hash", hash.Hex())))
	defer span.End()

	if s.replayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.replayTimeout)
		defer cancel()
	}

	r := &run{sim: s, hash: hash}
	res, err := r.execute(ctx)
	replayTimer.UpdateSince(start)
	if err != nil {
		replayFailedMeter.Inc(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug("Replay failed", "tx", hash, "err", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("block.number", int64(res.BlockNumber)),
		attribute.Int("tx.prior", res.PriorTxs),
		attribute.String("tx.outcome", res.Outcome.String()),
	)
	log.Info("Replayed transaction", "tx", hash, "block", res.BlockNumber, "index", res.Index,
		"outcome", res.Outcome, "gas", res.GasUsed, "prior", res.PriorTxs, "elapsed", time.Since(start))
	return res, nil
}

type runState int

const (
	stateInitialized runState = iota
	stateBlockPinned
	stateReplayingPriorTxs
	stateExecutingTarget
	stateCompleted
	stateFailed
)

var runStateNames = [...]string{"initialized", "block-pinned", "replaying-prior-txs", "executing-target", "completed", "failed"}

func (s runState) String() string { return runStateNames[s] }

// run is a single replay. It only moves forward through its states.
type run struct {
	sim  *Simulator
	hash common.Hash

	state    runState
	tx       *eth.Transaction
	block    *eth.Block
	index    int
	db       *fork.Database
	statedb  *fork.StateDB
	blockCtx vm.BlockContext
	gp       *core.GasPool
	hashErr  error

	prior, skipped int
}

func (r *run) advance(next runState) {
	log.Trace("Replay state", "tx", r.hash, "from", r.state, "to", next)
	r.state = next
}

func (r *run) execute(ctx context.Context) (*ReplayResult, error) {
	for _, step := range []func(context.Context) error{r.pin, r.replayPrior} {
		if err := r.check(ctx, step(ctx)); err != nil {
			return nil, err
		}
	}
	res, err := r.executeTarget(ctx)
	if err = r.check(ctx, err); err != nil {
		return nil, err
	}
	r.advance(stateCompleted)
	return res, nil
}

// check moves the run to failed on err, reclassifying errors caused by the
// run deadline.
func (r *run) check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	at := r.state
	r.advance(stateFailed)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(ErrTimeout, r.hash, err, "while %s", at)
	}
	return err
}

// readErr reports a remote read that failed under the executor.
func (r *run) readErr() error {
	if err := r.statedb.Error(); err != nil {
		return err
	}
	return r.hashErr
}

func (r *run) getHash(ctx context.Context) vm.GetHashFunc {
	return func(n uint64) common.Hash {
		h, err := r.db.BlockHash(ctx, n)
		if err != nil && r.hashErr == nil {
			r.hashErr = err
		}
		return h
	}
}

func (r *run) pin(ctx context.Context) error {
	tx, err := r.sim.provider.TransactionByHash(ctx, r.hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return newError(ErrTransactionNotFound, r.hash, err, "")
	case err != nil:
		return newError(ErrProvider, r.hash, err, "fetch transaction")
	case tx == nil:
		return newError(ErrTransactionNotFound, r.hash, nil, "")
	case tx.Pending():
		return newError(ErrTransactionBlkNumberNotFound, r.hash, nil, "transaction is pending")
	}
	number := tx.Number()
	if number == 0 {
		return newError(ErrTransactionBlkNumberNotFound, r.hash, nil, "genesis has no parent state")
	}

	block, err := r.sim.provider.BlockWithTransactions(ctx, number)
	if err != nil {
		return newError(ErrProvider, r.hash, err, "fetch block %d", number)
	}
	if uint64(block.Number) != number {
		return newError(ErrBlockNumberUnmatch, r.hash, nil, "transaction mined in %d, provider returned block %d", number, uint64(block.Number))
	}

	r.tx, r.block = tx, block
	r.db = fork.New(r.sim.source, number-1, r.sim.forkOpts...)
	r.statedb = r.db.NewSandboxFork(ctx)
	r.blockCtx = NewBlockContext(block.Context(), r.sim.config, r.getHash(ctx))
	r.gp = new(core.GasPool).AddGas(uint64(block.GasLimit))
	r.advance(stateBlockPinned)
	return nil
}

// replayPrior executes every transaction ordered before the target and
// commits its effects, reverted ones included.
func (r *run) replayPrior(ctx context.Context) error {
	r.advance(stateReplayingPriorTxs)
	for i, ptx := range r.block.Transactions {
		if ptx.Hash == r.hash {
			r.index = i
			priorTxCounter.Inc(int64(r.prior))
			skippedTxCounter.Inc(int64(r.skipped))
			return nil
		}
		if r.sim.registry.IsSystemSender(ptx.From) {
			log.Trace("Skipping system transaction", "index", i, "tx", ptx.Hash, "from", ptx.From)
			r.skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return newError(ErrProvider, ptx.Hash, err, "replay interrupted at index %d", i)
		}

		r.statedb.SetTxContext(ptx.Hash, i)
		exec, err := r.sim.executor.Apply(r.statedb, r.blockCtx, Configure(ptx, r.blockCtx.BaseFee), r.gp)
		if rerr := r.readErr(); rerr != nil {
			return newError(ErrProvider, ptx.Hash, rerr, "read state at block %d", r.db.Block())
		}
		if err != nil {
			return newError(ErrSimulationEvmOtherTx, ptx.Hash, err, "index %d", i)
		}
		if err := r.statedb.Commit(); err != nil {
			return newError(ErrProvider, ptx.Hash, err, "commit index %d", i)
		}
		r.prior++
		log.Trace("Replayed prior transaction", "index", i, "tx", ptx.Hash, "gas", exec.UsedGas, "failed", exec.Failed())
	}
	return newError(ErrBlockNumberUnmatch, r.hash, nil, "transaction missing from block %d", uint64(r.block.Number))
}

func (r *run) executeTarget(ctx context.Context) (*ReplayResult, error) {
	r.advance(stateExecutingTarget)
	if r.tx.IsCreate() {
		return nil, newError(ErrContractCreationUnsupported, r.hash, nil, "")
	}

	r.statedb.SetTxContext(r.hash, r.index)
	exec, err := r.sim.executor.Apply(r.statedb, r.blockCtx, Configure(r.tx, r.blockCtx.BaseFee), r.gp)
	if rerr := r.readErr(); rerr != nil {
		return nil, newError(ErrProvider, r.hash, rerr, "read state at block %d", r.db.Block())
	}
	if err != nil {
		return nil, newError(ErrSimulationEvm, r.hash, err, "rejected")
	}
	outcome, msg, err := classify(r.hash, exec.ExecutionResult)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{
		TxHash:      r.hash,
		BlockNumber: uint64(r.block.Number),
		Index:       r.index,
		Outcome:     outcome,
		GasUsed:     exec.UsedGas,
		GasRefunded: exec.Refunded,
		Logs:        logsOf(r.statedb, r.hash),
		PriorTxs:    r.prior,
		Skipped:     r.skipped,
	}
	if outcome == OutcomeSuccess {
		res.Output = common.CopyBytes(exec.ReturnData)
	} else {
		res.RevertMessage = msg
	}
	return res, nil
}

func logsOf(statedb *fork.StateDB, hash common.Hash) []*types.Log {
	var out []*types.Log
	for _, l := range statedb.Logs() {
		if l.TxHash == hash {
			out = append(out, l)
		}
	}
	return out
}
