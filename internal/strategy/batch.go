package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"quantbench/internal/domain"
)

// Job is one strategy run over one symbol.
type Job struct {
	Spec   Spec
	Symbol string
	Start  time.Time
	End    time.Time
}

func (j Job) String() string {
	return fmt.Sprintf("%s/%s", j.Spec.Name, j.Symbol)
}

// JobResult pairs a job with its outcome. Exactly one of Result and Err is
// set.
type JobResult struct {
	Job    Job
	Result *domain.BacktestResult
	Err    error
}

// BatchRunner runs many jobs in parallel. Timelines are loaded once per
// symbol and range and every job gets its own copy.
type BatchRunner struct {
	bt      *Backtester
	workers int
	log     *slog.Logger
}

// NewBatchRunner creates a BatchRunner. workers <= 0 means one per CPU.
func NewBatchRunner(bt *Backtester, workers int) *BatchRunner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &BatchRunner{
		bt:      bt,
		workers: workers,
		log:     bt.log.With("component", "batch"),
	}
}

type timelineKey struct {
	symbol     string
	start, end int64
}

func keyOf(j Job) timelineKey {
	return timelineKey{symbol: j.Symbol, start: j.Start.Unix(), end: j.End.Unix()}
}

// Run executes jobs and returns one JobResult per job, in input order. A
// failed job never stops the others.
func (b *BatchRunner) Run(ctx context.Context, jobs []Job) []JobResult {
	started := time.Now()
	out := make([]JobResult, len(jobs))

	// Load each distinct timeline once.
	type loaded struct {
		tl  *domain.Timeline
		err error
	}
	keys := make([]timelineKey, 0)
	first := make(map[timelineKey]Job)
	for _, j := range jobs {
		k := keyOf(j)
		if _, ok := first[k]; !ok {
			first[k] = j
			keys = append(keys, k)
		}
	}
	timelines := make([]loaded, len(keys))
	index := make(map[timelineKey]int, len(keys))

	var g errgroup.Group
	g.SetLimit(b.workers)
	for i, k := range keys {
		index[k] = i
		j := first[k]
		g.Go(func() error {
			tl, err := b.bt.LoadTimeline(ctx, j.Symbol, j.Start, j.End)
			timelines[i] = loaded{tl: tl, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var runs errgroup.Group
	runs.SetLimit(b.workers)
	for i, j := range jobs {
		src := timelines[index[keyOf(j)]]
		if src.err != nil {
			out[i] = JobResult{Job: j, Err: src.err}
			continue
		}
		runs.Go(func() error {
			res, err := b.bt.RunTimeline(ctx, j.Spec, src.tl)
			out[i] = JobResult{Job: j, Result: res, Err: err}
			return nil
		})
	}
	_ = runs.Wait()

	failed := 0
	for _, r := range out {
		if r.Err != nil {
			failed++
			b.log.Warn("job failed", "job", r.Job.String(), "error", r.Err)
		}
	}
	b.log.Info("batch complete",
		"jobs", len(jobs),
		"timelines", len(keys),
		"failed", failed,
		"elapsed", time.Since(started).Round(time.Millisecond),
	)
	return out
}

// Jobs builds the cross product of specs and symbols over one range.
func Jobs(specs []Spec, symbols []string, start, end time.Time) []Job {
	jobs := make([]Job, 0, len(specs)*len(symbols))
	for _, s := range specs {
		for _, sym := range symbols {
			jobs = append(jobs, Job{Spec: s, Symbol: sym, Start: start, End: end})
		}
	}
	return jobs
}
