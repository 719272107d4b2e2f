package mempool

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pulkyeet/mev-simulator/internal/simulator"
)

// Result is the replay of one mempool entry.
type Result struct {
	Entry  *Entry
	Replay *simulator.ReplayResult
	Err    error
}

// Report aggregates a batch replay.
type Report struct {
	Source      string
	Total       int
	NotIncluded int
	Succeeded   int
	Reverted    int
	Failed      int
	GasUsed     uint64
	Failures    map[string]int // error kind -> count
	Elapsed     time.Duration
	Results     []*Result
}

func newReport(source string) *Report {
	return &Report{Source: source, Failures: make(map[string]int)}
}

func (r *Report) add(res *Result) {
	r.Results = append(r.Results, res)
	switch {
	case res.Err != nil:
		r.Failed++
		kind := "unclassified"
		if k := simulator.Kind(res.Err); k != nil {
			kind = k.Error()
		}
		r.Failures[kind]++
	case res.Replay.Success():
		r.Succeeded++
		r.GasUsed += res.Replay.GasUsed
	default:
		r.Reverted++
		r.GasUsed += res.Replay.GasUsed
	}
}

// Replayed counts entries that were run, whatever the outcome.
func (r *Report) Replayed() int {
	return r.Succeeded + r.Reverted + r.Failed
}

// CompletionRate is the share of replayed entries that produced an outcome.
func (r *Report) CompletionRate() float64 {
	if r.Replayed() == 0 {
		return 0
	}
	return float64(r.Succeeded+r.Reverted) / float64(r.Replayed())
}

// Print renders the summary and the failure breakdown.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\nMempool replay: %s\n", r.Source)

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Entries", "Not included", "Replayed", "Success", "Revert", "Failed", "Gas used", "Completion", "Elapsed"})
	summary.Append([]string{
		strconv.Itoa(r.Total),
		strconv.Itoa(r.NotIncluded),
		strconv.Itoa(r.Replayed()),
		strconv.Itoa(r.Succeeded),
		strconv.Itoa(r.Reverted),
		strconv.Itoa(r.Failed),
		strconv.FormatUint(r.GasUsed, 10),
		fmt.Sprintf("%.2f%%", r.CompletionRate()*100),
		r.Elapsed.Round(time.Millisecond).String(),
	})
	summary.Render()

	if len(r.Failures) == 0 {
		return
	}
	kinds := make([]string, 0, len(r.Failures))
	for k := range r.Failures {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if r.Failures[kinds[i]] != r.Failures[kinds[j]] {
			return r.Failures[kinds[i]] > r.Failures[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})

	failures := tablewriter.NewWriter(w)
	failures.SetHeader([]string{"Failure", "Count"})
	failures.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, k := range kinds {
		failures.Append([]string{k, strconv.Itoa(r.Failures[k])})
	}
	failures.Render()
}
