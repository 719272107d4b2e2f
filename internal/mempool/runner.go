package mempool

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency = 4
	DefaultRateLimit   = 2 // replays started per second
	progressEvery      = 25
)

// Replayer replays a mined transaction; *simulator.Simulator implements it.
type Replayer interface {
	ReplayTransaction(ctx context.Context, hash common.Hash) (*simulator.ReplayResult, error)
}

type Runner struct {
	replayer    Replayer
	concurrency int
	limiter     *rate.Limiter
}

type RunnerOption func(*Runner)

func WithConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRateLimit caps replays started per second; zero or less lifts the cap.
func WithRateLimit(perSecond float64) RunnerOption {
	return func(r *Runner) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

func NewRunner(replayer Replayer, opts ...RunnerOption) *Runner {
	r := &Runner{
		replayer:    replayer,
		concurrency: DefaultConcurrency,
		limiter:     rate.NewLimiter(DefaultRateLimit, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays every included entry of dump in [from, to] and reports the
// outcomes in dump order. A failed replay is recorded, not returned; only
// cancellation of ctx aborts the run.
func (r *Runner) Run(ctx context.Context, dump *Dump, from, to uint64) (*Report, error) {
	start := time.Now()
	report := newReport(dump.Path)
	entries := dump.Included(from, to)
	report.Total = len(dump.Entries)
	for _, e := range dump.Entries {
		if !e.Included() {
			report.NotIncluded++
		}
	}

	log.Info("Starting mempool replay", "entries", len(entries), "from", from, "to", to, "concurrency", r.concurrency)

	results := make([]*Result, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, e := range entries {
		if err := r.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			res, err := r.replayer.ReplayTransaction(gctx, e.Hash)
			results[i] = &Result{Entry: e, Replay: res, Err: err}
			if err != nil {
				log.Debug("Replay failed", "hash", e.Hash, "block", e.IncludedBlock, "err", err)
			}
			if (i+1)%progressEvery == 0 {
				log.Info("Mempool replay progress", "done", i+1, "total", len(entries), "elapsed", time.Since(start).Round(time.Second))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, res := range results {
		if res != nil {
			report.add(res)
		}
	}
	report.Elapsed = time.Since(start)
	log.Info("Mempool replay finished", "replayed", report.Replayed(), "success", report.Succeeded,
		"revert", report.Reverted, "failed", report.Failed, "elapsed", report.Elapsed)
	return report, nil
}
