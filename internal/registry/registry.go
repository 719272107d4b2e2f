package registry

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pulkyeet/mev-simulator/internal/eth"
)

// Code is contract bytecode with its hash.
type Code struct {
	Bytecode []byte
	CodeHash common.Hash
}

func NewCode(bytecode []byte) Code {
	if len(bytecode) == 0 {
		return Code{CodeHash: types.EmptyCodeHash}
	}
	return Code{Bytecode: bytecode, CodeHash: crypto.Keccak256Hash(bytecode)}
}

// Token is an ERC-20 with the storage layout needed to fund or inspect
// holders without calling the contract.
type Token struct {
	Network       eth.Network
	Symbol        string
	Address       common.Address
	Decimals      uint8
	BalanceSlot   uint64
	AllowanceSlot uint64

	// Implementation is the logic contract of a proxy token.
	Implementation *common.Address
	// FiatProxy marks zeppelinos-style upgradeable proxies whose admin,
	// implementation, owner and pauser words are read on every transfer.
	FiatProxy bool
}

// Exchange is a CREATE2 pool factory.
type Exchange struct {
	Name         string
	Network      eth.Network
	Factory      common.Address
	InitCodeHash common.Hash
}

type key struct {
	network eth.Network
	addr    common.Address
}

type symbolKey struct {
	network eth.Network
	symbol  string
}

// Registry is an immutable lookup table of tokens, well-known contract code,
// exchanges and system senders. Build one with a Builder.
type Registry struct {
	tokens    map[key]Token
	symbols   map[symbolKey]common.Address
	code      map[key]Code
	exchanges map[symbolKey]Exchange
	quoters   map[eth.Network]common.Address
	system    map[common.Address]struct{}
}

func (r *Registry) Token(network eth.Network, symbol string) (Token, bool) {
	addr, ok := r.symbols[symbolKey{network, symbol}]
	if !ok {
		return Token{}, false
	}
	return r.TokenByAddress(network, addr)
}

func (r *Registry) TokenByAddress(network eth.Network, addr common.Address) (Token, bool) {
	t, ok := r.tokens[key{network, addr}]
	return t, ok
}

// Tokens lists the tokens of network ordered by symbol.
func (r *Registry) Tokens(network eth.Network) []Token {
	var out []Token
	for k, t := range r.tokens {
		if k.network == network {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Code returns the well-known bytecode deployed at addr on network.
func (r *Registry) Code(network eth.Network, addr common.Address) (Code, bool) {
	c, ok := r.code[key{network, addr}]
	return c, ok
}

func (r *Registry) Exchange(network eth.Network, name string) (Exchange, bool) {
	e, ok := r.exchanges[symbolKey{network, name}]
	return e, ok
}

// Quoter returns the swap quoter contract of network.
func (r *Registry) Quoter(network eth.Network) (common.Address, bool) {
	q, ok := r.quoters[network]
	return q, ok
}

// IsSystemSender reports protocol-level senders whose transactions are not
// reproducible by an L1 executor (rollup deposits, ArbOS internals).
func (r *Registry) IsSystemSender(addr common.Address) bool {
	_, ok := r.system[addr]
	return ok
}
