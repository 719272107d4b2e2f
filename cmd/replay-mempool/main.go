package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulkyeet/mev-simulator/internal/app"
	"github.com/pulkyeet/mev-simulator/internal/config"
	"github.com/pulkyeet/mev-simulator/internal/mempool"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "replay-mempool --file <dump.parquet>",
		Short:        "Replay the included transactions of a mempool-dumpster parquet file",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	config.AddFlags(rootCmd.Flags())
	rootCmd.Flags().String("file", "", "mempool-dumpster parquet file")
	rootCmd.Flags().Uint64("from", 0, "first inclusion block to replay")
	rootCmd.Flags().Uint64("to", 0, "last inclusion block to replay; 0 means no bound")
	rootCmd.Flags().Int("concurrency", mempool.DefaultConcurrency, "replays in flight")
	rootCmd.Flags().Float64("rate", mempool.DefaultRateLimit, "replays started per second; 0 disables the limit")
	rootCmd.Flags().Bool("details", false, "list every replayed transaction")
	_ = rootCmd.MarkFlagRequired("file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	path, _ := flags.GetString("file")
	from, _ := flags.GetUint64("from")
	to, _ := flags.GetUint64("to")
	concurrency, _ := flags.GetInt("concurrency")
	rate, _ := flags.GetFloat64("rate")
	details, _ := flags.GetBool("details")

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	if err := config.SetupLogging(cfg.LogLevel); err != nil {
		return err
	}

	fmt.Printf("Reading mempool dump %s...\n", path)
	dump, err := mempool.ReadDump(path)
	if err != nil {
		return err
	}
	fmt.Printf("Total transactions: %d (%d unreadable)\n", dump.Rows, dump.Skipped)

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	runner := mempool.NewRunner(a.Simulator(),
		mempool.WithConcurrency(concurrency),
		mempool.WithRateLimit(rate),
	)
	report, err := runner.Run(cmd.Context(), dump, from, to)
	if err != nil {
		return err
	}
	if details {
		for _, res := range report.Results {
			switch {
			case res.Err != nil:
				fmt.Printf("  %s  FAIL    %v\n", res.Entry.Hash.Hex(), res.Err)
			case res.Replay.Success():
				fmt.Printf("  %s  OK      gas=%d\n", res.Entry.Hash.Hex(), res.Replay.GasUsed)
			default:
				fmt.Printf("  %s  REVERT  gas=%d %s\n", res.Entry.Hash.Hex(), res.Replay.GasUsed, res.Replay.RevertMessage)
			}
		}
		fmt.Println()
	}
	report.Print(os.Stdout)
	return nil
}
