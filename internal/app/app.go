// Package app wires the pieces every binary needs from a loaded
// configuration: the RPC client, the optional persistent state cache and the
// registry.
package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/pulkyeet/mev-simulator/internal/eth"
	"github.com/pulkyeet/mev-simulator/internal/fork"
	"github.com/pulkyeet/mev-simulator/internal/oracle"
	"github.com/pulkyeet/mev-simulator/internal/pool"
	"github.com/pulkyeet/mev-simulator/internal/registry"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"github.com/pulkyeet/mev-simulator/internal/storage"
)

type App struct {
	Config   *config.Config
	Client   *eth.Client
	Heads    *eth.Client
	Cache    *storage.SourceCache
	Registry *registry.Registry

	// Source is Cache when configured, Client otherwise.
	Source fork.StateSource
}

// New dials the configured endpoints and builds the registry. Close the app
// when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	reg, err := BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	client, err := eth.Dial(ctx, cfg.RPCURL, cfg.BlockCacheSize)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Client: client, Heads: client, Registry: reg, Source: client}

	if url := cfg.HeadURL(); url != cfg.RPCURL {
		heads, err := eth.Dial(ctx, url, cfg.BlockCacheSize)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("dial head endpoint: %w", err)
		}
		a.Heads = heads
	}
	if cfg.CacheDB != "" {
		cache, err := storage.Open(cfg.CacheDB, client, storage.WithFinality(client))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Cache = cache
		a.Source = cache
	}
	log.Info("Connected", "network", cfg.Network, "cache", cfg.CacheDB != "", "push", cfg.WSURL != "")
	return a, nil
}

// BuildRegistry returns the built-in registry merged with the configured
// registry file.
func BuildRegistry(cfg *config.Config) (*registry.Registry, error) {
	b, err := registryBuilder(cfg)
	if err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func registryBuilder(cfg *config.Config) (*registry.Builder, error) {
	b := registry.NewBuilder()
	if cfg.RegistryFile != "" {
		if err := b.LoadCodeFile(cfg.RegistryFile); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// HydrateRegistry fetches, at the current head, the bytecode of the
// configured network's tokens and quoter plus every pool in pools that the
// registry does not carry, and replaces Registry with the result. Primed
// forks then skip those code reads.
func (a *App) HydrateRegistry(ctx context.Context, pools *pool.Set) error {
	b, err := registryBuilder(a.Config)
	if err != nil {
		return err
	}
	head, err := a.Client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var extra []common.Address
	for _, d := range pools.All() {
		extra = append(extra, d.Address())
	}
	if err := b.Hydrate(ctx, a.Client, a.Config.Network, head, extra...); err != nil {
		return err
	}
	a.Registry = b.Build()
	log.Info("Hydrated registry", "network", a.Config.Network, "block", head, "pools", len(extra))
	return nil
}

func (a *App) forkOptions() []fork.Option {
	return []fork.Option{
		fork.WithFetchTimeout(a.Config.FetchTimeout),
		fork.WithPrefetchConcurrency(a.Config.PrefetchConcurrency),
	}
}

// Simulator reads transactions from the client and state from Source.
func (a *App) Simulator() *simulator.Simulator {
	return simulator.New(a.Client, a.Source, a.Registry, a.Config.Network,
		simulator.WithReplayTimeout(a.Config.ReplayTimeout),
		simulator.WithForkOptions(a.forkOptions()...),
	)
}

// Oracle follows heads on the head endpoint and primes pools straight from
// the RPC client, bypassing Cache.
func (a *App) Oracle(pools *pool.Set) *oracle.Oracle {
	return oracle.New(a.Heads, a.Client, a.Registry, pools,
		oracle.WithPollInterval(a.Config.PollInterval),
		oracle.WithForkOptions(a.forkOptions()...),
	)
}

// Reserves reads the reserves of d from r: the packed reserve word of a V2
// pair, the token balances of a V3 pool.
func Reserves(ctx context.Context, reg *registry.Registry, r pool.StorageReader, d *pool.Descriptor) (*uint256.Int, *uint256.Int, error) {
	src, err := pool.SourceFor(reg, registry.Exchange{Network: d.Network()}, d.Kind())
	if err != nil {
		return nil, nil, err
	}
	return src.Reserves(ctx, r, d)
}

func (a *App) Close() {
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			log.Warn("Failed to close state cache", "err", err)
		}
	}
	if a.Heads != nil && a.Heads != a.Client {
		a.Heads.Close()
	}
	if a.Client != nil {
		a.Client.Close()
	}
}
