package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"RPC_URL", "ALCHEMY_URL", "WS_URL", "NETWORK", "CACHE_DB", "LOG_LEVEL",
	"FETCH_TIMEOUT", "PREFETCH_CONCURRENCY", "HYDRATE_REGISTRY",
}

// clearEnv unsets every variable Load reads and restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "http://localhost:8545")

	cfg, err := Load(nil, noEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8545", cfg.RPCURL)
	require.Equal(t, eth.Mainnet, cfg.Network)
	require.Equal(t, fork.DefaultFetchTimeout, cfg.FetchTimeout)
	require.Equal(t, simulator.DefaultReplayTimeout, cfg.ReplayTimeout)
	require.Equal(t, fork.DefaultPrefetchConcurrency, cfg.PrefetchConcurrency)
	require.Equal(t, eth.DefaultBlockCacheSize, cfg.BlockCacheSize)
	require.Equal(t, DefaultBridgeAddr, cfg.BridgeAddr)
	require.Equal(t, DefaultLogLevel, cfg.LogLevel)
	require.Empty(t, cfg.CacheDB)
	require.True(t, cfg.HydrateRegistry)
	require.Equal(t, cfg.RPCURL, cfg.HeadURL())
}

func TestLoad_LegacyRPCVariable(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALCHEMY_URL", "https://eth-mainnet.example/v2/key")

	cfg, err := Load(nil, noEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, "https://eth-mainnet.example/v2/key", cfg.RPCURL)

	t.Setenv("RPC_URL", "http://preferred")
	cfg, err = Load(nil, noEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, "http://preferred", cfg.RPCURL)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "http://env")
	t.Setenv("PREFETCH_CONCURRENCY", "32")
	t.Setenv("WS_URL", "ws://env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--rpc-url=http://flag", "--fetch-timeout=3s", "--network=Base", "--hydrate-registry=false"}))

	cfg, err := Load(fs, noEnvFile(t))
	require.NoError(t, err)
	require.Equal(t, "http://flag", cfg.RPCURL)
	require.Equal(t, 3*time.Second, cfg.FetchTimeout)
	require.Equal(t, eth.Base, cfg.Network)
	require.False(t, cfg.HydrateRegistry)
	// Unset flags fall back to the environment before their defaults.
	require.Equal(t, 32, cfg.PrefetchConcurrency)
	require.Equal(t, "ws://env", cfg.HeadURL())
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("RPC_URL=http://dotenv\nNETWORK=optimism\nLOG_LEVEL=debug\n"), 0o644))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, "http://dotenv", cfg.RPCURL)
	require.Equal(t, eth.Optimism, cfg.Network)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	_, err := Load(nil, noEnvFile(t))
	require.ErrorIs(t, err, ErrMissingRPCURL)

	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("NETWORK", "ropsten")
	_, err = Load(nil, noEnvFile(t))
	require.ErrorContains(t, err, "unknown network")

	t.Setenv("NETWORK", "")
	t.Setenv("LOG_LEVEL", "loud")
	_, err = Load(nil, noEnvFile(t))
	require.ErrorContains(t, err, `invalid log level "loud"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]struct {
		want    any
		wantErr bool
	}{
		"trace":    {want: log.LevelTrace},
		"DEBUG":    {want: log.LevelDebug},
		"":         {want: log.LevelInfo},
		"warning":  {want: log.LevelWarn},
		" error ":  {want: log.LevelError},
		"critical": {want: log.LevelCrit},
		"verbose":  {wantErr: true},
	}
	for in, tt := range tests {
		lvl, err := ParseLevel(in)
		if tt.wantErr {
			require.Error(t, err, in)
			continue
		}
		require.NoError(t, err, in)
		require.EqualValues(t, tt.want, lvl, in)
	}
}

func TestSetupLogging(t *testing.T) {
	require.NoError(t, SetupLogging("warn"))
	require.Error(t, SetupLogging("loud"))
}
