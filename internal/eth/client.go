package eth

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBlockCacheSize = 64
	txCachePerBlock       = 256

	// DefaultConfirmations is the depth below the head at which a block
	// number is taken to be final.
	DefaultConfirmations = 64
	headRefresh          = time.Second
)

// Client is the chain data provider. Blocks at least DefaultConfirmations
// below the head, and their transactions, are kept in a bounded LRU.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client

	blocks *lru.Cache[uint64, *Block]
	txs    *lru.Cache[common.Hash, *Transaction]

	confirmations uint64
	head          atomic.Uint64
	headCheck     atomic.Int64
}

// Dial connects to an http(s) or ws(s) endpoint.
func Dial(ctx context.Context, url string, cacheSize int) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("rpc url not set")
	}
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewClient(rc, cacheSize)
}

// NewClient wraps an already connected rpc client.
func NewClient(rc *rpc.Client, cacheSize int) (*Client, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultBlockCacheSize
	}
	blocks, err := lru.New[uint64, *Block](cacheSize)
	if err != nil {
		return nil, err
	}
	txs, err := lru.New[common.Hash, *Transaction](cacheSize * txCachePerBlock)
	if err != nil {
		return nil, err
	}
	return &Client{
		rpc:           rc,
		eth:           ethclient.NewClient(rc),
		blocks:        blocks,
		txs:           txs,
		confirmations: DefaultConfirmations,
	}, nil
}

func (c *Client) Close() {
	c.rpc.Close()
}

// TransactionByHash returns ethereum.NotFound when the node does not know hash.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	if tx, ok := c.txs.Get(hash); ok {
		return tx, nil
	}
	var tx *Transaction
	if err := c.rpc.CallContext(ctx, &tx, "eth_getTransactionByHash", hash); err != nil {
		return nil, fmt.Errorf("eth_getTransactionByHash %s: %w", hash.Hex(), err)
	}
	if tx == nil {
		return nil, ethereum.NotFound
	}
	if !tx.Pending() && c.Final(ctx, tx.Number()) {
		c.txs.Add(hash, tx)
	}
	return tx, nil
}

// BlockWithTransactions returns the block at number with full transaction objects.
func (c *Client) BlockWithTransactions(ctx context.Context, number uint64) (*Block, error) {
	if b, ok := c.blocks.Get(number); ok {
		return b, nil
	}
	var b *Block
	if err := c.rpc.CallContext(ctx, &b, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber %d: %w", number, err)
	}
	if b == nil {
		return nil, ethereum.NotFound
	}
	if c.Final(ctx, number) {
		c.blocks.Add(number, b)
		for _, tx := range b.Transactions {
			c.txs.Add(tx.Hash, tx)
		}
	}
	return b, nil
}

// HeaderByNumber fetches a header; nil number means the latest block.
func (c *Client) HeaderByNumber(ctx context.Context, number *uint64) (*Header, error) {
	tag := "latest"
	if number != nil {
		if b, ok := c.blocks.Peek(*number); ok {
			h := b.Header
			return &h, nil
		}
		tag = hexutil.EncodeUint64(*number)
	}
	var h *Header
	if err := c.rpc.CallContext(ctx, &h, "eth_getBlockByNumber", tag, false); err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber %s: %w", tag, err)
	}
	if h == nil {
		return nil, ethereum.NotFound
	}
	if number == nil {
		c.observeHead(uint64(h.Number))
	}
	return h, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	c.observeHead(n)
	return n, nil
}

// Final reports whether number is buried deep enough under the head that a
// reorg will not replace it. The head is refreshed at most once a second.
func (c *Client) Final(ctx context.Context, number uint64) bool {
	if number+c.confirmations <= c.head.Load() {
		return true
	}
	now := time.Now().UnixNano()
	last := c.headCheck.Load()
	if now-last < int64(headRefresh) || !c.headCheck.CompareAndSwap(last, now) {
		return false
	}
	if _, err := c.BlockNumber(ctx); err != nil {
		log.Debug("Head refresh failed", "err", err)
		return false
	}
	return number+c.confirmations <= c.head.Load()
}

func (c *Client) observeHead(n uint64) {
	for {
		cur := c.head.Load()
		if n <= cur || c.head.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Basic returns balance and nonce of addr at block.
func (c *Client) Basic(ctx context.Context, addr common.Address, block uint64) (*uint256.Int, uint64, error) {
	var (
		bal   *big.Int
		nonce uint64
		num   = new(big.Int).SetUint64(block)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		bal, err = c.eth.BalanceAt(gctx, addr, num)
		return err
	})
	g.Go(func() (err error) {
		nonce, err = c.eth.NonceAt(gctx, addr, num)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("account %s at block %d: %w", addr.Hex(), block, err)
	}
	b, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, 0, fmt.Errorf("balance of %s overflows 256 bits", addr.Hex())
	}
	return b, nonce, nil
}

func (c *Client) Code(ctx context.Context, addr common.Address, block uint64) ([]byte, error) {
	code, err := c.eth.CodeAt(ctx, addr, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("code of %s at block %d: %w", addr.Hex(), block, err)
	}
	return code, nil
}

func (c *Client) Storage(ctx context.Context, addr common.Address, slot common.Hash, block uint64) (common.Hash, error) {
	data, err := c.eth.StorageAt(ctx, addr, slot, new(big.Int).SetUint64(block))
	if err != nil {
		return common.Hash{}, fmt.Errorf("storage %s[%s] at block %d: %w", addr.Hex(), slot.Hex(), block, err)
	}
	return common.BytesToHash(data), nil
}

func (c *Client) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	h, err := c.HeaderByNumber(ctx, &number)
	if err != nil {
		return common.Hash{}, err
	}
	return h.Hash, nil
}

// SubscribeNewHeads streams new chain heads. Requires a websocket endpoint.
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- *Header) (ethereum.Subscription, error) {
	raw := make(chan *types.Header, 16)
	sub, err := c.eth.SubscribeNewHead(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case h := <-raw:
				log.Trace("New head", "number", h.Number, "hash", h.Hash())
				c.observeHead(h.Number.Uint64())
				select {
				case ch <- HeaderFromTypes(h):
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}
