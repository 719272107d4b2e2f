// Package config loads the settings shared by every binary from a .env
// file, the environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/oracle"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys double as flag names; the environment variable is the upper-cased
// key with dashes replaced by underscores (rpc-url -> RPC_URL).
const (
	RPCURLKey              = "rpc-url"
	WSURLKey               = "ws-url"
	NetworkKey             = "network"
	CacheDBKey             = "cache-db"
	RegistryFileKey        = "registry-file"
	FetchTimeoutKey        = "fetch-timeout"
	ReplayTimeoutKey       = "replay-timeout"
	PollIntervalKey        = "poll-interval"
	PrefetchConcurrencyKey = "prefetch-concurrency"
	BlockCacheSizeKey      = "block-cache-size"
	HydrateRegistryKey     = "hydrate-registry"
	BridgeAddrKey          = "bridge-addr"
	LogLevelKey            = "log-level"
)

const (
	DefaultBridgeAddr = "127.0.0.1:8547"
	DefaultLogLevel   = "info"

	// legacyRPCEnv is honoured when RPC_URL is unset.
	legacyRPCEnv = "ALCHEMY_URL"
)

var ErrMissingRPCURL = errors.New("no RPC endpoint configured (set RPC_URL or --rpc-url)")

type Config struct {
	RPCURL       string
	WSURL        string
	Network      eth.Network
	CacheDB      string
	RegistryFile string

	FetchTimeout        time.Duration
	ReplayTimeout       time.Duration
	PollInterval        time.Duration
	PrefetchConcurrency int
	BlockCacheSize      int
	HydrateRegistry     bool

	BridgeAddr string
	LogLevel   string
}

// HeadURL is the endpoint used to follow new heads: the websocket one when
// configured.
func (c *Config) HeadURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return c.RPCURL
}

// AddFlags registers the shared flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(RPCURLKey, "", "JSON-RPC endpoint of an archive node (env RPC_URL, ALCHEMY_URL)")
	fs.String(WSURLKey, "", "websocket endpoint used to follow new heads")
	fs.String(NetworkKey, string(eth.Mainnet), "network to fork")
	fs.String(CacheDBKey, "", "sqlite file caching remote state; empty disables the cache")
	fs.String(RegistryFileKey, "", "JSON file with extra tokens, bytecode and system senders")
	fs.Duration(FetchTimeoutKey, fork.DefaultFetchTimeout, "bound on a single remote state read")
	fs.Duration(ReplayTimeoutKey, simulator.DefaultReplayTimeout, "bound on a whole replay")
	fs.Duration(PollIntervalKey, oracle.DefaultPollInterval, "head polling period when push is unavailable")
	fs.Int(PrefetchConcurrencyKey, fork.DefaultPrefetchConcurrency, "parallel remote reads while prefetching")
	fs.Int(BlockCacheSizeKey, eth.DefaultBlockCacheSize, "blocks and transactions kept in memory")
	fs.Bool(HydrateRegistryKey, true, "fetch registry and pool bytecode once at startup (state-sync, bridge)")
	fs.String(BridgeAddrKey, DefaultBridgeAddr, "listen address of the bridge")
	fs.String(LogLevelKey, DefaultLogLevel, "log level: trace, debug, info, warn, error, crit")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(NetworkKey, string(eth.Mainnet))
	v.SetDefault(FetchTimeoutKey, fork.DefaultFetchTimeout)
	v.SetDefault(ReplayTimeoutKey, simulator.DefaultReplayTimeout)
	v.SetDefault(PollIntervalKey, oracle.DefaultPollInterval)
	v.SetDefault(PrefetchConcurrencyKey, fork.DefaultPrefetchConcurrency)
	v.SetDefault(BlockCacheSizeKey, eth.DefaultBlockCacheSize)
	v.SetDefault(HydrateRegistryKey, true)
	v.SetDefault(BridgeAddrKey, DefaultBridgeAddr)
	v.SetDefault(LogLevelKey, DefaultLogLevel)
}

// Load resolves the configuration. envFiles default to ".env"; missing
// files are ignored. Flags in fs that were set on the command line win.
func Load(fs *pflag.FlagSet, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(RPCURLKey, "RPC_URL", legacyRPCEnv); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	network, err := eth.ParseNetwork(v.GetString(NetworkKey))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		RPCURL:              v.GetString(RPCURLKey),
		WSURL:               v.GetString(WSURLKey),
		Network:             network,
		CacheDB:             v.GetString(CacheDBKey),
		RegistryFile:        v.GetString(RegistryFileKey),
		FetchTimeout:        v.GetDuration(FetchTimeoutKey),
		ReplayTimeout:       v.GetDuration(ReplayTimeoutKey),
		PollInterval:        v.GetDuration(PollIntervalKey),
		PrefetchConcurrency: v.GetInt(PrefetchConcurrencyKey),
		BlockCacheSize:      v.GetInt(BlockCacheSizeKey),
		HydrateRegistry:     v.GetBool(HydrateRegistryKey),
		BridgeAddr:          v.GetString(BridgeAddrKey),
		LogLevel:            v.GetString(LogLevelKey),
	}
	if cfg.RPCURL == "" {
		return nil, ErrMissingRPCURL
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}
