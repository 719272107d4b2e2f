package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/mev-simulator/internal/app"
	"github.com/pulkyeet/mev-simulator/internal/bridge"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/pulkyeet/mev-simulator/internal/oracle"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "bridge",
		Short:        "Serve replays and bundle simulations over JSON-RPC",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	config.AddFlags(rootCmd.Flags())
	rootCmd.Flags().StringSlice("pool", nil, "pool to keep primed for bundles (repeatable, see state-sync)")

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

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pools, err := app.Pools(a.Registry, cfg.Network, specs)
	if err != nil {
		return err
	}
	if cfg.HydrateRegistry {
		if err := a.HydrateRegistry(cmd.Context(), pools); err != nil {
			log.Warn("Registry hydration failed, code is read per fork", "err", err)
		}
	}
	orc := a.Oracle(pools)
	service := bridge.NewService(a.Simulator(), orc, a.Registry, cfg.Network)
	hub := bridge.NewHub()
	handler, err := bridge.NewHandler(service, hub)
	if err != nil {
		return err
	}

	snaps, unsubscribe := orc.Subscribe(oracle.DefaultSubscriberBuffer)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		if err := orc.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(ctx, snaps)
		return nil
	})
	g.Go(func() error {
		return bridge.Serve(ctx, cfg.BridgeAddr, handler)
	})
	err = g.Wait()
	hub.Wait()
	if err != nil {
		log.Error("Bridge stopped", "err", err)
		return err
	}
	log.Info("Bridge stopped")
	return nil
}
