package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/mev-simulator/internal/app"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "state-sync",
		Short:        "Follow the chain head and keep tracked pools primed in a fork cache",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	config.AddFlags(rootCmd.Flags())
	rootCmd.Flags().StringSlice("pool", nil, "pool to track, SYMA/SYMB:fee:kind[@exchange] or pool:tokenA:tokenB:fee:kind (repeatable)")
	rootCmd.Flags().Uint64("prune-keep", 0, "drop cached state older than this many blocks; 0 keeps everything")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}
	specs, _ := cmd.Flags().GetStringSlice("pool")
	keep, _ := cmd.Flags().GetUint64("prune-keep")

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pools, err := app.Pools(a.Registry, cfg.Network, specs)
	if err != nil {
		return err
	}
	for _, d := range pools.All() {
		log.Info("Tracking pool", "pool", d.Address(), "desc", d)
	}
	if cfg.HydrateRegistry {
		if err := a.HydrateRegistry(cmd.Context(), pools); err != nil {
			log.Warn("Registry hydration failed, code is read per fork", "err", err)
		}
	}

	ctx := cmd.Context()
	snaps := a.Oracle(pools).StartStateSync(ctx)
	for snap := range snaps {
		accounts, slots := snap.DB.OverrideCount()
		log.Info("Primed snapshot", "block", snap.Context.Number, "hash", snap.Context.Hash,
			"primed", snap.Primed, "failed", snap.Failed, "accounts", accounts, "slots", slots)
		for _, d := range pools.All() {
			r0, r1, err := app.Reserves(ctx, a.Registry, snap.DB, d)
			if err != nil {
				log.Debug("Failed to read reserves", "pool", d, "err", err)
				continue
			}
			log.Debug("Pool reserves", "pool", d, "block", snap.Context.Number, "reserve0", r0, "reserve1", r1)
		}

		if a.Cache == nil || keep == 0 || snap.Context.Number <= keep {
			continue
		}
		n, err := a.Cache.Prune(ctx, snap.Context.Number-keep)
		if err != nil {
			log.Warn("Failed to prune state cache", "err", err)
			continue
		}
		if n > 0 {
			log.Debug("Pruned state cache", "below", snap.Context.Number-keep, "rows", n)
		}
	}
	log.Info("State sync stopped")
	return nil
}
