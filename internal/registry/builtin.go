package registry

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pulkyeet/mev-simulator/internal/eth"
)

// Token addresses, Ethereum mainnet
var (
	WETHAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	USDCAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	USDTAddress = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	DAIAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	WBTCAddress = common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599")

	// FiatTokenV2_2 behind the USDC proxy
	usdcImplementation = common.HexToAddress("0x43506849D7C04F9138D1A2050bbF3A0c054402dd")
)

var (
	// OP stack L1 attributes depositor
	OptimismDepositor = common.HexToAddress("0xDeaDDEaDDeAdDeAdDEAdDEaddeAddEAdDEAd0001")
	// ArbOS internal transactions
	ArbOSSender = common.HexToAddress("0x00000000000000000000000000000000000A4B05")
)

func builtinTokens() []Token {
	impl := usdcImplementation
	return []Token{
		{Network: eth.Mainnet, Symbol: "WETH", Address: WETHAddress, Decimals: 18, BalanceSlot: 3, AllowanceSlot: 4},
		{Network: eth.Mainnet, Symbol: "USDC", Address: USDCAddress, Decimals: 6, BalanceSlot: 9, AllowanceSlot: 10, Implementation: &impl, FiatProxy: true},
		{Network: eth.Mainnet, Symbol: "USDT", Address: USDTAddress, Decimals: 6, BalanceSlot: 2, AllowanceSlot: 5},
		{Network: eth.Mainnet, Symbol: "DAI", Address: DAIAddress, Decimals: 18, BalanceSlot: 2, AllowanceSlot: 3},
		{Network: eth.Mainnet, Symbol: "WBTC", Address: WBTCAddress, Decimals: 8, BalanceSlot: 0, AllowanceSlot: 2},
	}
}

// builtinExchanges: factory + init code hash is all you need to derive any
// pool address.
func builtinExchanges() []Exchange {
	return []Exchange{
		{
			Name:         "uniswap",
			Network:      eth.Mainnet,
			Factory:      common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
			InitCodeHash: common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
		},
		{
			Name:         "sushiswap",
			Network:      eth.Mainnet,
			Factory:      common.HexToAddress("0xC0AEe478e3658e2610c5F7A4A2E1777cE9e4f2Ac"),
			InitCodeHash: common.HexToHash("0xe18a34eb0e04b04f7a0ac29a6e80748dca96319b42c54d679cb821dca90c6303"),
		},
		{
			Name:         "shibaswap",
			Network:      eth.Mainnet,
			Factory:      common.HexToAddress("0x115934131916C8b277DD010Ee02de363c09d037c"),
			InitCodeHash: common.HexToHash("0x65d1a3b1e46c6e4f1be1ad5f99ef14dc488ae0549dc97db9b30afe2241ce1c7a"),
		},
		{
			Name:         "uniswap-v3",
			Network:      eth.Mainnet,
			Factory:      common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
			InitCodeHash: common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54"),
		},
	}
}

func builtinQuoters() map[eth.Network]common.Address {
	return map[eth.Network]common.Address{
		eth.Mainnet:  common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e"),
		eth.Arbitrum: common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e"),
		eth.Optimism: common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e"),
		eth.Base:     common.HexToAddress("0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a"),
	}
}

func builtinSystemSenders() []common.Address {
	return []common.Address{OptimismDepositor, ArbOSSender}
}
