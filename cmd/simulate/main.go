package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pulkyeet/mev-simulator/internal/app"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"github.com/spf13/cobra"
)

var errFailed = errors.New("replay failed")

func main() {
	rootCmd := &cobra.Command{
		Use:           "simulate <tx-hash>",
		Short:         "Replay a mined transaction on a fork of its parent block",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	config.AddFlags(rootCmd.Flags())
	rootCmd.Flags().Bool("logs", false, "print the logs emitted by the target")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	raw, err := hexutil.Decode(args[0])
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("not a transaction hash: %q", args[0])
	}
	hash := common.BytesToHash(raw)

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Replaying %s on %s...\n", hash.Hex(), cfg.Network)
	start := time.Now()
	res, err := a.Simulator().ReplayTransaction(cmd.Context(), hash)
	if err != nil {
		fmt.Printf("\n=== Replay Failed ===\n")
		fmt.Printf("Kind:  %v\n", simulator.Kind(err))
		fmt.Printf("Error: %v\n", err)
		return errFailed
	}

	fmt.Printf("\n=== Replay Result ===\n")
	fmt.Printf("Block:        %d (index %d)\n", res.BlockNumber, res.Index)
	fmt.Printf("Prior txs:    %d replayed, %d skipped\n", res.PriorTxs, res.Skipped)
	fmt.Printf("Outcome:      %s\n", res.Outcome)
	fmt.Printf("Gas used:     %d\n", res.GasUsed)
	fmt.Printf("Gas refunded: %d\n", res.GasRefunded)
	if res.Success() {
		fmt.Printf("Output:       %s\n", hexutil.Encode(res.Output))
	} else {
		fmt.Printf("Revert:       %s\n", res.RevertMessage)
	}
	fmt.Printf("Logs:         %d events emitted\n", len(res.Logs))
	if printLogs, _ := cmd.Flags().GetBool("logs"); printLogs {
		for i, l := range res.Logs {
			fmt.Printf("  [%d] %s topics=%d data=%s\n", i, l.Address.Hex(), len(l.Topics), hexutil.Encode(l.Data))
		}
	}
	if a.Cache != nil {
		if st, err := a.Cache.Stats(cmd.Context()); err == nil {
			fmt.Printf("Cache:        %d accounts, %d code, %d slots\n", st.Accounts, st.Code, st.Storage)
		}
	}
	fmt.Printf("Elapsed:      %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
