// Package oracle follows the chain head and keeps a primed fork of the
// latest block ready for simulations.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/pool"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"github.com/pulkyeet/mev-simulator/internal/slots"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultPrimeConcurrency = 8
	DefaultSubscriberBuffer = 4

	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

var (
	refreshTimer       = metrics.NewRegisteredTimer("oracle/refresh", nil)
	primeFailedCounter = metrics.NewRegisteredCounter("oracle/prime/failed", nil)
	reconnectCounter   = metrics.NewRegisteredCounter("oracle/reconnect", nil)
	droppedCounter     = metrics.NewRegisteredCounter("oracle/subscriber/dropped", nil)

	tracer = otel.Tracer("github.com/pulkyeet/mev-simulator/internal/oracle")
)

// HeadSource reports chain heads; *eth.Client implements it.
type HeadSource interface {
	HeaderByNumber(ctx context.Context, number *uint64) (*eth.Header, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- *eth.Header) (ethereum.Subscription, error)
}

// Snapshot is a fork database pinned at one block with every tracked pool
// primed. DB is shared by readers; simulate on DB.Derive().
type Snapshot struct {
	Context eth.BlockContext
	DB      *fork.Database
	Primed  int
	Failed  int
}

type Oracle struct {
	heads    HeadSource
	source   fork.StateSource
	registry *registry.Registry
	pools    *pool.Set

	pollInterval     time.Duration
	primeConcurrency int
	forkOpts         []fork.Option

	current atomic.Pointer[Snapshot]

	mu     sync.RWMutex
	subs   map[int]chan *Snapshot
	nextID int
}

type Option func(*Oracle)

// WithPollInterval sets the head polling period used when the endpoint
// cannot push new heads.
func WithPollInterval(d time.Duration) Option {
	return func(o *Oracle) { o.pollInterval = d }
}

func WithPrimeConcurrency(n int) Option {
	return func(o *Oracle) { o.primeConcurrency = n }
}

func WithForkOptions(opts ...fork.Option) Option {
	return func(o *Oracle) { o.forkOpts = append(o.forkOpts, opts...) }
}

func New(heads HeadSource, source fork.StateSource, reg *registry.Registry, pools *pool.Set, opts ...Option) *Oracle {
	o := &Oracle{
		heads:            heads,
		source:           source,
		registry:         reg,
		pools:            pools,
		pollInterval:     DefaultPollInterval,
		primeConcurrency: DefaultPrimeConcurrency,
		subs:             make(map[int]chan *Snapshot),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Current returns the latest published snapshot.
func (o *Oracle) Current() (*Snapshot, error) {
	snap := o.current.Load()
	if snap == nil {
		return nil, simulator.ErrForkFactoryNotReady
	}
	return snap, nil
}

// CurrentAt returns the latest snapshot only if it is pinned at number.
func (o *Oracle) CurrentAt(number uint64) (*Snapshot, error) {
	snap, err := o.Current()
	if err != nil {
		return nil, err
	}
	if snap.Context.Number != number {
		return nil, fmt.Errorf("%w: want %d, have %d", simulator.ErrBlockNumberUnmatch, number, snap.Context.Number)
	}
	return snap, nil
}

// Subscribe registers for published snapshots. Slow subscribers miss
// snapshots instead of stalling the oracle. The returned function
// unsubscribes and closes the channel.
func (o *Oracle) Subscribe(buffer int) (<-chan *Snapshot, func()) {
	ch := make(chan *Snapshot, buffer)
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Oracle) publish(snap *Snapshot) {
	o.current.Store(snap)
	o.mu.RLock()
	defer o.mu.RUnlock()
	for id, ch := range o.subs {
		select {
		case ch <- snap:
		default:
			droppedCounter.Inc(1)
			log.Debug("Subscriber lagging, snapshot dropped", "sub", id, "block", snap.Context.Number)
		}
	}
}

// StartStateSync runs the oracle in the background until ctx is done and
// returns a subscription to its snapshots, closed when the loop exits.
func (o *Oracle) StartStateSync(ctx context.Context) <-chan *Snapshot {
	ch, unsubscribe := o.Subscribe(DefaultSubscriberBuffer)
	go func() {
		defer unsubscribe()
		if err := o.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("State sync stopped", "err", err)
		}
	}()
	return ch
}

// Run follows the chain head until ctx is done, refreshing the snapshot on
// every new block. Connection failures are retried with backoff.
func (o *Oracle) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		progressed, err := o.follow(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if progressed {
			backoff = minBackoff
		}
		reconnectCounter.Inc(1)
		log.Warn("Head tracking interrupted, retrying", "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// follow tracks heads over a subscription, falling back to polling when the
// endpoint has no push support. It reports whether any block was processed.
func (o *Oracle) follow(ctx context.Context) (bool, error) {
	head, err := o.heads.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("latest header: %w", err)
	}
	progressed := o.handle(ctx, head)

	ch := make(chan *eth.Header, 16)
	sub, err := o.heads.SubscribeNewHeads(ctx, ch)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		log.Info("Endpoint cannot push heads, polling", "interval", o.pollInterval)
		return o.poll(ctx, progressed)
	}
	if err != nil {
		return progressed, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case h := <-ch:
			if o.handle(ctx, h) {
				progressed = true
			}
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return progressed, err
		case <-ctx.Done():
			return progressed, ctx.Err()
		}
	}
}

func (o *Oracle) poll(ctx context.Context, progressed bool) (bool, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h, err := o.heads.HeaderByNumber(ctx, nil)
			if err != nil {
				return progressed, fmt.Errorf("poll latest header: %w", err)
			}
			if o.handle(ctx, h) {
				progressed = true
			}
		case <-ctx.Done():
			return progressed, ctx.Err()
		}
	}
}

// handle refreshes on h unless it is already published or older.
func (o *Oracle) handle(ctx context.Context, h *eth.Header) bool {
	if cur := o.current.Load(); cur != nil {
		n := uint64(h.Number)
		if n < cur.Context.Number || (n == cur.Context.Number && h.Hash == cur.Context.Hash) {
			return false
		}
	}
	if _, err := o.Refresh(ctx, h); err != nil {
		log.Warn("Refresh failed", "number", uint64(h.Number), "err", err)
		return false
	}
	return true
}

// Refresh builds, primes and publishes a snapshot pinned at h. A pool that
// fails to prime is logged and counted; the snapshot is still published.
func (o *Oracle) Refresh(ctx context.Context, h *eth.Header) (*Snapshot, error) {
	start := time.Now()
	bc := h.Context()
	ctx, span := tracer.Start(ctx, "oracle.Refresh", trace.WithAttributes(attribute.Int64("block.number", int64(bc.Number))))
	defer span.End()

	db := fork.New(o.source, bc.Number, o.forkOpts...)
	pools := o.pools.All()

	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(o.primeConcurrency)
	for _, d := range pools {
		g.Go(func() error {
			if err := o.prime(ctx, db, d); err != nil {
				failed.Add(1)
				primeFailedCounter.Inc(1)
				log.Warn("Pool priming failed", "pool", d.Address(), "kind", d.Kind(), "block", bc.Number, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Context: bc,
		DB:      db,
		Primed:  len(pools) - int(failed.Load()),
		Failed:  int(failed.Load()),
	}
	o.publish(snap)
	refreshTimer.UpdateSince(start)
	span.SetAttributes(attribute.Int("pools.primed", snap.Primed), attribute.Int("pools.failed", snap.Failed))

	accounts, storage := db.OverrideCount()
	st := db.Stats()
	log.Info("Published snapshot", "number", bc.Number, "hash", bc.Hash, "pools", len(pools),
		"failed", snap.Failed, "accounts", accounts, "slots", storage,
		"fetched", st.RemoteFetches, "memo", st.MemoSlots, "elapsed", time.Since(start))
	return snap, nil
}

// prime installs d's well-known code and prefetches the storage a swap
// around its current tick reads.
func (o *Oracle) prime(ctx context.Context, db *fork.Database, d *pool.Descriptor) error {
	var s0 slots.Slot0
	if d.Kind() == pool.KindV3 {
		word, err := db.Storage(ctx, d.Address(), slots.FixedSlot(slots.Slot0Index))
		if err != nil {
			return fmt.Errorf("read slot0: %w", err)
		}
		s0 = slots.DecodeSlot0(word)
	}
	for addr, code := range d.MinimalBytecodeSet(o.registry) {
		if err := db.InsertAccountCode(ctx, addr, code.Bytecode); err != nil {
			return fmt.Errorf("install code of %s: %w", addr.Hex(), err)
		}
	}
	keys := d.PrefetchStorageKeys(o.registry, s0.Tick)
	if d.Kind() == pool.KindV3 {
		keys[d.Address()].Append(observationKeys(s0)...)
	}
	return db.Prefetch(ctx, keys)
}

// observationKeys are the oracle words a tick-moving swap reads and writes:
// the latest observation and the one after it in the ring.
func observationKeys(s0 slots.Slot0) []common.Hash {
	keys := []common.Hash{slots.ObservationSlot(s0.ObservationIndex)}
	card := uint32(s0.ObservationCardinality)
	if uint32(s0.ObservationIndex)+1 == card && uint32(s0.ObservationCardinalityNext) > card {
		card = uint32(s0.ObservationCardinalityNext)
	}
	if card > 1 {
		keys = append(keys, slots.ObservationSlot(uint16((uint32(s0.ObservationIndex)+1)%card)))
	}
	return keys
}
