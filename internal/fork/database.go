package fork

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFetchTimeout        = 10 * time.Second
	DefaultPrefetchConcurrency = 16
)

var ErrCodeNotFound = errors.New("code not found for hash")

var (
	accountHitMeter    = metrics.NewRegisteredCounter("fork/account/hit", nil)
	accountMissMeter   = metrics.NewRegisteredCounter("fork/account/miss", nil)
	storageHitMeter    = metrics.NewRegisteredCounter("fork/storage/hit", nil)
	storageMissMeter   = metrics.NewRegisteredCounter("fork/storage/miss", nil)
	remoteFetchCounter = metrics.NewRegisteredCounter("fork/remote/fetch", nil)
	prefetchTimer      = metrics.NewRegisteredTimer("fork/prefetch", nil)
)

// Stats counts how reads were resolved by one Database lineage.
type Stats struct {
	Overrides     uint64
	MemoHits      uint64
	RemoteFetches uint64
	// accounts and slots held by the memo shared with derived databases
	MemoAccounts int
	MemoSlots    int
}

type stats struct {
	overrides atomic.Uint64
	hits      atomic.Uint64
	remote    atomic.Uint64
}

// Database is a read-through view of chain state pinned at one block.
// Reads resolve override, then memoized remote value, then one remote
// fetch. Overrides always win, even over values fetched earlier.
type Database struct {
	source StateSource
	block  uint64

	fetchTimeout        time.Duration
	prefetchConcurrency int

	mu       sync.RWMutex
	accounts map[common.Address]AccountInfo
	storage  map[common.Address]map[common.Hash]common.Hash
	cleared  map[common.Address]struct{}

	memo  *memo
	stats *stats
}

type Option func(*Database)

// WithFetchTimeout bounds every single remote read. Zero disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(db *Database) { db.fetchTimeout = d }
}

func WithPrefetchConcurrency(n int) Option {
	return func(db *Database) {
		if n > 0 {
			db.prefetchConcurrency = n
		}
	}
}

// New pins a fresh database at block.
func New(source StateSource, block uint64, opts ...Option) *Database {
	db := &Database{
		source:              source,
		block:               block,
		fetchTimeout:        DefaultFetchTimeout,
		prefetchConcurrency: DefaultPrefetchConcurrency,
		accounts:            make(map[common.Address]AccountInfo),
		storage:             make(map[common.Address]map[common.Hash]common.Hash),
		cleared:             make(map[common.Address]struct{}),
		memo:                newMemo(),
		stats:               new(stats),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Block returns the pinned block number.
func (db *Database) Block() uint64 {
	return db.block
}

func (db *Database) Stats() Stats {
	accounts, slots := db.memo.size()
	return Stats{
		Overrides:     db.stats.overrides.Load(),
		MemoHits:      db.stats.hits.Load(),
		RemoteFetches: db.stats.remote.Load(),
		MemoAccounts:  accounts,
		MemoSlots:     slots,
	}
}

func (db *Database) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.fetchTimeout > 0 {
		return context.WithTimeout(ctx, db.fetchTimeout)
	}
	return context.WithCancel(ctx)
}

// shared runs fetch once per key for every Database sharing the memo. The
// fetch is detached from the caller's cancellation and bounded by the fetch
// timeout only; a caller whose ctx ends stops waiting without failing the
// others.
func (db *Database) shared(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	ch := db.memo.group.DoChan(key, func() (any, error) {
		fctx, cancel := db.fetchContext(context.WithoutCancel(ctx))
		defer cancel()
		return fetch(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for %s: %w", key, ctx.Err())
	}
}

// Account returns the account at addr. A remote failure is returned as is;
// no default account is substituted.
func (db *Database) Account(ctx context.Context, addr common.Address) (AccountInfo, error) {
	db.mu.RLock()
	if a, ok := db.accounts[addr]; ok {
		db.mu.RUnlock()
		db.stats.overrides.Add(1)
		return a.Copy(), nil
	}
	db.mu.RUnlock()

	if a, ok := db.memo.account(addr); ok {
		accountHitMeter.Inc(1)
		db.stats.hits.Add(1)
		return a.Copy(), nil
	}
	accountMissMeter.Inc(1)

	v, err := db.shared(ctx, "account/"+addr.Hex(), func(fctx context.Context) (any, error) {
		if a, ok := db.memo.account(addr); ok {
			return a, nil
		}
		var (
			balance *uint256.Int
			nonce   uint64
			code    []byte
		)
		g, gctx := errgroup.WithContext(fctx)
		g.Go(func() (err error) {
			balance, nonce, err = db.source.Basic(gctx, addr, db.block)
			return err
		})
		g.Go(func() (err error) {
			code, err = db.source.Code(gctx, addr, db.block)
			return err
		})
		db.stats.remote.Add(1)
		remoteFetchCounter.Inc(1)
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("fetch account %s at block %d: %w", addr.Hex(), db.block, err)
		}
		log.Trace("Fetched account", "addr", addr, "block", db.block, "nonce", nonce, "code", len(code))
		return db.memo.storeAccount(addr, NewAccountInfo(balance, nonce, code)), nil
	})
	if err != nil {
		return AccountInfo{}, err
	}
	return v.(AccountInfo).Copy(), nil
}

// Code resolves bytecode by hash from accounts already loaded or installed.
func (db *Database) Code(hash common.Hash) ([]byte, error) {
	if hash == types.EmptyCodeHash {
		return nil, nil
	}
	db.mu.RLock()
	for _, a := range db.accounts {
		if a.CodeHash == hash {
			db.mu.RUnlock()
			return a.Code, nil
		}
	}
	db.mu.RUnlock()
	if c, ok := db.memo.codeByHash(hash); ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w %s", ErrCodeNotFound, hash.Hex())
}

// Storage returns the value of one storage cell.
func (db *Database) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	db.mu.RLock()
	if v, ok := db.storage[addr][slot]; ok {
		db.mu.RUnlock()
		db.stats.overrides.Add(1)
		return v, nil
	}
	if _, ok := db.cleared[addr]; ok {
		db.mu.RUnlock()
		return common.Hash{}, nil
	}
	db.mu.RUnlock()

	if v, ok := db.memo.slot(addr, slot); ok {
		storageHitMeter.Inc(1)
		db.stats.hits.Add(1)
		return v, nil
	}
	storageMissMeter.Inc(1)

	v, err := db.shared(ctx, "storage/"+addr.Hex()+"/"+slot.Hex(), func(fctx context.Context) (any, error) {
		if v, ok := db.memo.slot(addr, slot); ok {
			return v, nil
		}
		db.stats.remote.Add(1)
		remoteFetchCounter.Inc(1)
		val, err := db.source.Storage(fctx, addr, slot, db.block)
		if err != nil {
			return nil, fmt.Errorf("fetch storage %s[%s] at block %d: %w", addr.Hex(), slot.Hex(), db.block, err)
		}
		return db.memo.storeSlot(addr, slot, val), nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return v.(common.Hash), nil
}

// BlockHash returns the hash of block number, memoized.
func (db *Database) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	if h, ok := db.memo.blockHash(number); ok {
		return h, nil
	}
	v, err := db.shared(ctx, fmt.Sprintf("hash/%d", number), func(fctx context.Context) (any, error) {
		if h, ok := db.memo.blockHash(number); ok {
			return h, nil
		}
		db.stats.remote.Add(1)
		remoteFetchCounter.Inc(1)
		h, err := db.source.BlockHash(fctx, number)
		if err != nil {
			return nil, fmt.Errorf("fetch hash of block %d: %w", number, err)
		}
		return db.memo.storeBlockHash(number, h), nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return v.(common.Hash), nil
}

// InsertAccountInfo installs an account override.
func (db *Database) InsertAccountInfo(addr common.Address, info AccountInfo) {
	info = info.Copy()
	db.mu.Lock()
	db.accounts[addr] = info
	db.mu.Unlock()
}

// InsertAccountStorage installs a storage override.
func (db *Database) InsertAccountStorage(addr common.Address, slot, value common.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	slots, ok := db.storage[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		db.storage[addr] = slots
	}
	slots[slot] = value
}

// InsertAccountCode overrides the code of addr and keeps its current
// balance and nonce.
func (db *Database) InsertAccountCode(ctx context.Context, addr common.Address, code []byte) error {
	acct, err := db.Account(ctx, addr)
	if err != nil {
		return err
	}
	db.InsertAccountInfo(addr, NewAccountInfo(acct.Balance, acct.Nonce, code))
	return nil
}

// ClearAccountStorage makes every slot of addr read zero until overridden
// again.
func (db *Database) ClearAccountStorage(addr common.Address) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.storage, addr)
	db.cleared[addr] = struct{}{}
}

// Prefetch reads every key concurrently and installs the values as storage
// overrides. Nothing is installed when any read fails.
func (db *Database) Prefetch(ctx context.Context, keys map[common.Address]mapset.Set[common.Hash]) error {
	defer func(start time.Time) { prefetchTimer.UpdateSince(start) }(time.Now())

	type result struct {
		addr  common.Address
		slot  common.Hash
		value common.Hash
	}
	var (
		mu      sync.Mutex
		results []result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(db.prefetchConcurrency)
	for addr, set := range keys {
		if set == nil {
			continue
		}
		for _, slot := range set.ToSlice() {
			g.Go(func() error {
				v, err := db.Storage(gctx, addr, slot)
				if err != nil {
					return err
				}
				mu.Lock()
				results = append(results, result{addr, slot, v})
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("prefetch: %w", err)
	}

	db.mu.Lock()
	for _, r := range results {
		slots, ok := db.storage[r.addr]
		if !ok {
			slots = make(map[common.Hash]common.Hash)
			db.storage[r.addr] = slots
		}
		if _, ok := slots[r.slot]; !ok {
			slots[r.slot] = r.value
		}
	}
	db.mu.Unlock()
	log.Debug("Prefetched storage", "block", db.block, "accounts", len(keys), "slots", len(results))
	return nil
}

// Derive returns an isolated database at the same block: overrides are
// copied, the remote memo is shared.
func (db *Database) Derive() *Database {
	db.mu.RLock()
	defer db.mu.RUnlock()

	cpy := &Database{
		source:              db.source,
		block:               db.block,
		fetchTimeout:        db.fetchTimeout,
		prefetchConcurrency: db.prefetchConcurrency,
		accounts:            make(map[common.Address]AccountInfo, len(db.accounts)),
		storage:             make(map[common.Address]map[common.Hash]common.Hash, len(db.storage)),
		cleared:             make(map[common.Address]struct{}, len(db.cleared)),
		memo:                db.memo,
		stats:               db.stats,
	}
	for addr, a := range db.accounts {
		cpy.accounts[addr] = a.Copy()
	}
	for addr, slots := range db.storage {
		m := make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			m[k] = v
		}
		cpy.storage[addr] = m
	}
	for addr := range db.cleared {
		cpy.cleared[addr] = struct{}{}
	}
	return cpy
}

// NewSandboxFork returns a vm.StateDB bound to db. Remote reads issued by
// the executor run under ctx.
func (db *Database) NewSandboxFork(ctx context.Context) *StateDB {
	return newStateDB(ctx, db)
}

// OverrideCount reports installed account and storage overrides.
func (db *Database) OverrideCount() (accounts, slots int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, s := range db.storage {
		slots += len(s)
	}
	return len(db.accounts), slots
}
