package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"golang.org/x/sync/errgroup"
)

// CodeFetcher reads deployed bytecode; eth.Client satisfies it.
type CodeFetcher interface {
	Code(ctx context.Context, addr common.Address, block uint64) ([]byte, error)
}

// Builder accumulates registry entries. It is not safe for concurrent use
// except through Hydrate.
type Builder struct {
	mu        sync.Mutex
	tokens    map[key]Token
	symbols   map[symbolKey]common.Address
	code      map[key]Code
	exchanges map[symbolKey]Exchange
	quoters   map[eth.Network]common.Address
	system    map[common.Address]struct{}
}

// NewBuilder returns a builder seeded with the built-in tables.
func NewBuilder() *Builder {
	b := &Builder{
		tokens:    make(map[key]Token),
		symbols:   make(map[symbolKey]common.Address),
		code:      make(map[key]Code),
		exchanges: make(map[symbolKey]Exchange),
		quoters:   builtinQuoters(),
		system:    make(map[common.Address]struct{}),
	}
	for _, t := range builtinTokens() {
		b.AddToken(t)
	}
	for _, e := range builtinExchanges() {
		b.AddExchange(e)
	}
	for _, s := range builtinSystemSenders() {
		b.AddSystemSender(s)
	}
	return b
}

func (b *Builder) AddToken(t Token) *Builder {
	b.tokens[key{t.Network, t.Address}] = t
	b.symbols[symbolKey{t.Network, t.Symbol}] = t.Address
	return b
}

func (b *Builder) AddExchange(e Exchange) *Builder {
	b.exchanges[symbolKey{e.Network, e.Name}] = e
	return b
}

func (b *Builder) AddCode(network eth.Network, addr common.Address, bytecode []byte) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.code[key{network, addr}] = NewCode(bytecode)
	return b
}

func (b *Builder) SetQuoter(network eth.Network, addr common.Address) *Builder {
	b.quoters[network] = addr
	return b
}

func (b *Builder) AddSystemSender(addr common.Address) *Builder {
	b.system[addr] = struct{}{}
	return b
}

type fileToken struct {
	Network        string          `json:"network"`
	Symbol         string          `json:"symbol"`
	Address        common.Address  `json:"address"`
	Decimals       uint8           `json:"decimals"`
	BalanceSlot    uint64          `json:"balanceSlot"`
	AllowanceSlot  uint64          `json:"allowanceSlot"`
	Implementation *common.Address `json:"implementation,omitempty"`
	FiatProxy      bool            `json:"fiatProxy,omitempty"`
}

type fileCode struct {
	Network  string         `json:"network"`
	Address  common.Address `json:"address"`
	Bytecode hexutil.Bytes  `json:"bytecode"`
}

type codeFile struct {
	Tokens        []fileToken               `json:"tokens"`
	Code          []fileCode                `json:"code"`
	Quoters       map[string]common.Address `json:"quoters"`
	SystemSenders []common.Address          `json:"systemSenders"`
}

// LoadCodeFile merges a JSON registry file into the builder.
func (b *Builder) LoadCodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	var f codeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse registry file %s: %w", path, err)
	}
	for _, t := range f.Tokens {
		network, err := eth.ParseNetwork(t.Network)
		if err != nil {
			return fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		b.AddToken(Token{
			Network:        network,
			Symbol:         t.Symbol,
			Address:        t.Address,
			Decimals:       t.Decimals,
			BalanceSlot:    t.BalanceSlot,
			AllowanceSlot:  t.AllowanceSlot,
			Implementation: t.Implementation,
			FiatProxy:      t.FiatProxy,
		})
	}
	for _, c := range f.Code {
		network, err := eth.ParseNetwork(c.Network)
		if err != nil {
			return fmt.Errorf("code %s: %w", c.Address.Hex(), err)
		}
		b.AddCode(network, c.Address, c.Bytecode)
	}
	for name, addr := range f.Quoters {
		network, err := eth.ParseNetwork(name)
		if err != nil {
			return fmt.Errorf("quoter: %w", err)
		}
		b.SetQuoter(network, addr)
	}
	for _, s := range f.SystemSenders {
		b.AddSystemSender(s)
	}
	log.Info("Loaded registry file", "path", path, "tokens", len(f.Tokens), "code", len(f.Code))
	return nil
}

// Hydrate fetches the code of every token, proxy implementation and quoter
// of network, plus extra, that the code table does not know yet.
func (b *Builder) Hydrate(ctx context.Context, fetcher CodeFetcher, network eth.Network, block uint64, extra ...common.Address) error {
	want := make(map[common.Address]struct{})
	for k, t := range b.tokens {
		if k.network != network {
			continue
		}
		want[t.Address] = struct{}{}
		if t.Implementation != nil {
			want[*t.Implementation] = struct{}{}
		}
	}
	if q, ok := b.quoters[network]; ok {
		want[q] = struct{}{}
	}
	for _, addr := range extra {
		want[addr] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for addr := range want {
		b.mu.Lock()
		_, known := b.code[key{network, addr}]
		b.mu.Unlock()
		if known {
			continue
		}
		g.Go(func() error {
			code, err := fetcher.Code(gctx, addr, block)
			if err != nil {
				return fmt.Errorf("hydrate %s: %w", addr.Hex(), err)
			}
			if len(code) == 0 {
				log.Warn("No code at registry address", "network", network, "addr", addr)
				return nil
			}
			b.AddCode(network, addr, code)
			return nil
		})
	}
	return g.Wait()
}

// Build freezes the builder into a Registry.
func (b *Builder) Build() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &Registry{
		tokens:    make(map[key]Token, len(b.tokens)),
		symbols:   make(map[symbolKey]common.Address, len(b.symbols)),
		code:      make(map[key]Code, len(b.code)),
		exchanges: make(map[symbolKey]Exchange, len(b.exchanges)),
		quoters:   make(map[eth.Network]common.Address, len(b.quoters)),
		system:    make(map[common.Address]struct{}, len(b.system)),
	}
	for k, v := range b.tokens {
		r.tokens[k] = v
	}
	for k, v := range b.symbols {
		r.symbols[k] = v
	}
	for k, v := range b.code {
		r.code[k] = v
	}
	for k, v := range b.exchanges {
		r.exchanges[k] = v
	}
	for k, v := range b.quoters {
		r.quoters[k] = v
	}
	for k := range b.system {
		r.system[k] = struct{}{}
	}
	return r
}

// Default is the built-in registry.
func Default() *Registry {
	return NewBuilder().Build()
}
