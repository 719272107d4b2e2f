// Package storage persists remote chain state in sqlite. State at a final
// block never changes, so those reads are cached forever; reads near the
// head, which a reorg may replace, pass through.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/holiman/uint256"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pulkyeet/mev-simulator/internal/fork"
)

//go:embed schema.sql
var schema string

var (
	cacheHitCounter    = metrics.NewRegisteredCounter("storage/cache/hit", nil)
	cacheMissCounter   = metrics.NewRegisteredCounter("storage/cache/miss", nil)
	cacheErrorCounter  = metrics.NewRegisteredCounter("storage/cache/error", nil)
	cacheRecentCounter = metrics.NewRegisteredCounter("storage/cache/recent", nil)
)

// SourceCache is a fork.StateSource that answers from sqlite and falls
// through to the wrapped source on a miss, storing what it fetched.
// Cache failures degrade to the wrapped source; they never fail a read.
type SourceCache struct {
	db       *sql.DB
	source   fork.StateSource
	finality Finality
}

var _ fork.StateSource = (*SourceCache)(nil)

// Finality tells whether a block number can no longer be reorged away.
type Finality interface {
	Final(ctx context.Context, number uint64) bool
}

type Option func(*SourceCache)

// WithFinality caches only blocks f reports final. Without it every block
// is cached.
func WithFinality(f Finality) Option {
	return func(c *SourceCache) {
		c.finality = f
	}
}

// Open opens (creating if needed) the cache at dbPath in front of source.
func Open(dbPath string, source fork.StateSource, opts ...Option) (*SourceCache, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	// WAL lets the oracle and a replay read while another writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}

	c := &SourceCache{db: db, source: source}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *SourceCache) Close() error {
	return c.db.Close()
}

func (c *SourceCache) cacheable(ctx context.Context, block uint64) bool {
	if c.finality == nil || c.finality.Final(ctx, block) {
		return true
	}
	cacheRecentCounter.Inc(1)
	return false
}

// miss records a cache miss; a lookup error other than no-rows is logged.
func miss(what string, err error) {
	cacheMissCounter.Inc(1)
	if !errors.Is(err, sql.ErrNoRows) {
		cacheErrorCounter.Inc(1)
		log.Warn("State cache read failed", "kind", what, "err", err)
	}
}

func stored(what string, err error) {
	if err != nil {
		cacheErrorCounter.Inc(1)
		log.Warn("State cache write failed", "kind", what, "err", err)
	}
}

func (c *SourceCache) Basic(ctx context.Context, addr common.Address, block uint64) (*uint256.Int, uint64, error) {
	if !c.cacheable(ctx, block) {
		return c.source.Basic(ctx, addr, block)
	}
	var (
		balanceStr string
		nonce      uint64
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT balance, nonce FROM account_state WHERE block_number = ? AND address = ?",
		block, addr.Hex(),
	).Scan(&balanceStr, &nonce)
	if err == nil {
		var balance *uint256.Int
		if balance, err = uint256.FromDecimal(balanceStr); err == nil {
			cacheHitCounter.Inc(1)
			return balance, nonce, nil
		}
	}
	miss("account", err)

	balance, nonce, err := c.source.Basic(ctx, addr, block)
	if err != nil {
		return nil, 0, err
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO account_state (block_number, address, balance, nonce) VALUES (?, ?, ?, ?)",
		block, addr.Hex(), balance.Dec(), nonce,
	)
	stored("account", err)
	return balance, nonce, nil
}

func (c *SourceCache) Code(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	if !c.cacheable(ctx, block) {
		return c.source.Code(ctx, addr, block)
	}
	var code []byte
	err := c.db.QueryRowContext(ctx,
		"SELECT code FROM code_state WHERE block_number = ? AND address = ?",
		block, addr.Hex(),
	).Scan(&code)
	if err == nil {
		cacheHitCounter.Inc(1)
		return code, nil
	}
	miss("code", err)

	code, err = c.source.Code(ctx, addr, block)
	if err != nil {
		return nil, err
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO code_state (block_number, address, code) VALUES (?, ?, ?)",
		block, addr.Hex(), code,
	)
	stored("code", err)
	return code, nil
}

func (c *SourceCache) Storage(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error) {
	if !c.cacheable(ctx, block) {
		return c.source.Storage(ctx, addr, slot, block)
	}
	var valueHex string
	err := c.db.QueryRowContext(ctx,
		"SELECT value FROM storage_state WHERE block_number = ? AND address = ? AND slot = ?",
		block, addr.Hex(), slot.Hex(),
	).Scan(&valueHex)
	if err == nil {
		cacheHitCounter.Inc(1)
		return common.HexToHash(valueHex), nil
	}
	miss("storage", err)

	value, err := c.source.Storage(ctx, addr, slot, block)
	if err != nil {
		return common.Hash{}, err
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO storage_state (block_number, address, slot, value) VALUES (?, ?, ?, ?)",
		block, addr.Hex(), slot.Hex(), value.Hex(),
	)
	stored("storage", err)
	return value, nil
}

// BlockHash caches only known hashes; a zero hash (block not yet
// produced) is returned uncached.
func (c *SourceCache) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	if !c.cacheable(ctx, number) {
		return c.source.BlockHash(ctx, number)
	}
	var hashHex string
	err := c.db.QueryRowContext(ctx,
		"SELECT hash FROM block_hashes WHERE block_number = ?", number,
	).Scan(&hashHex)
	if err == nil {
		cacheHitCounter.Inc(1)
		return common.HexToHash(hashHex), nil
	}
	miss("blockhash", err)

	hash, err := c.source.BlockHash(ctx, number)
	if err != nil {
		return common.Hash{}, err
	}
	if hash != (common.Hash{}) {
		_, err = c.db.ExecContext(ctx,
			"INSERT OR REPLACE INTO block_hashes (block_number, hash) VALUES (?, ?)",
			number, hash.Hex(),
		)
		stored("blockhash", err)
	}
	return hash, nil
}

// Prune drops every cached entry pinned below the given block. Block hashes
// are kept.
func (c *SourceCache) Prune(ctx context.Context, below uint64) (int64, error) {
	var total int64
	for _, table := range []string{"account_state", "code_state", "storage_state"} {
		res, err := c.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE block_number < ?", below)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Stats counts cached entries per table.
type Stats struct {
	Accounts    int64
	Code        int64
	Storage     int64
	BlockHashes int64
}

func (c *SourceCache) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, q := range []struct {
		table string
		dst   *int64
	}{
		{"account_state", &s.Accounts},
		{"code_state", &s.Code},
		{"storage_state", &s.Storage},
		{"block_hashes", &s.BlockHashes},
	} {
		if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+q.table).Scan(q.dst); err != nil {
			return Stats{}, fmt.Errorf("count %s: %w", q.table, err)
		}
	}
	return s, nil
}
