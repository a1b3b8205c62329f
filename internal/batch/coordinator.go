package batch

import (
	"context"
	"sync"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/logging"
	"github.com/pgops/cloudsql-migrate/internal/mapping"
	"github.com/pgops/cloudsql-migrate/internal/progress"
	"github.com/pgops/cloudsql-migrate/internal/state"
)

// Unit terminal statuses as reported in the batch summary.
const (
	StatusSucceeded        = "succeeded"
	StatusSucceededRetried = "succeeded (retried)"
	StatusFailed           = "failed"
	StatusSkipped          = "skipped"
)

// UnitResult is the per-unit outcome in a batch summary.
type UnitResult struct {
	Unit         mapping.Unit
	Status       string
	PhaseReached string
	Err          error
	Metrics      state.Metrics
}

// BatchResult aggregates a whole batch run.
type BatchResult struct {
	Succeeded int
	Failed    int
	Skipped   int
	Units     []UnitResult
	Elapsed   time.Duration
}

// PartialFailure reports whether some units failed while others succeeded.
func (r *BatchResult) PartialFailure() bool {
	return r.Failed > 0 && r.Succeeded > 0
}

// UnitRunner runs one unit to a terminal state.
type UnitRunner interface {
	Run(ctx context.Context, unit mapping.Unit, exec *state.Execution, cb progress.Callback) error
}

// Coordinator schedules units over a bounded worker pool.
type Coordinator struct {
	cfg    *config.Config
	runner UnitRunner
}

// NewCoordinator creates a batch coordinator over the given runner.
func NewCoordinator(cfg *config.Config, runner UnitRunner) *Coordinator {
	return &Coordinator{cfg: cfg, runner: runner}
}

// ExecuteBatch resolves the mapping request and executes the resulting units.
func (c *Coordinator) ExecuteBatch(ctx context.Context, req *mapping.Request, cb progress.Callback) (*BatchResult, error) {
	units, err := mapping.Resolve(req)
	if err != nil {
		return nil, err
	}
	return c.ExecuteUnits(ctx, units, cb), nil
}

// ExecuteUnits runs an already-resolved unit list: an initial pass over all
// units, then (when enabled) exactly one retry pass over the failures. The
// retry pass starts only after every dispatched unit of the initial pass has
// reached a terminal state.
func (c *Coordinator) ExecuteUnits(ctx context.Context, units []mapping.Unit, cb progress.Callback) *BatchResult {
	start := time.Now()
	if cb == nil {
		cb = progress.Nop
	}

	maxParallel := c.cfg.Batch.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	logging.Info("Batch: %d units, max %d in parallel", len(units), maxParallel)

	results := make([]UnitResult, len(units))
	for i := range units {
		results[i] = UnitResult{Unit: units[i], Status: StatusSkipped}
	}

	c.runPass(ctx, units, results, maxParallel, c.cfg.Batch.StopOnErrorEnabled(), false, cb)

	if c.cfg.Batch.RetryFailedEnabled() && ctx.Err() == nil {
		var retryIdx []int
		for i := range results {
			if results[i].Status == StatusFailed {
				retryIdx = append(retryIdx, i)
			}
		}
		if len(retryIdx) > 0 {
			logging.Info("Retry pass: %d failed units", len(retryIdx))
			retryUnits := make([]mapping.Unit, len(retryIdx))
			retryResults := make([]UnitResult, len(retryIdx))
			for i, idx := range retryIdx {
				retryUnits[i] = units[idx]
				retryResults[i] = UnitResult{Unit: units[idx], Status: StatusFailed}
			}
			c.runPass(ctx, retryUnits, retryResults, maxParallel, false, true, cb)
			for i, idx := range retryIdx {
				results[idx] = retryResults[i]
			}
		}
	}

	batch := &BatchResult{Units: results, Elapsed: time.Since(start)}
	for _, r := range results {
		switch r.Status {
		case StatusSucceeded, StatusSucceededRetried:
			batch.Succeeded++
		case StatusFailed:
			batch.Failed++
		case StatusSkipped:
			batch.Skipped++
		}
	}
	logging.Info("Batch finished in %s: %d succeeded, %d failed, %d skipped",
		batch.Elapsed.Round(time.Second), batch.Succeeded, batch.Failed, batch.Skipped)
	return batch
}

// runPass executes one scheduling pass over units, writing outcomes into the
// parallel results slice. With stopOnError set, the first failure prevents
// further dispatch; running units finish.
func (c *Coordinator) runPass(ctx context.Context, units []mapping.Unit, results []UnitResult, maxParallel int, stopOnError, isRetry bool, cb progress.Callback) {
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	var mu sync.Mutex
	stopped := false

	for i := range units {
		mu.Lock()
		halt := stopped
		mu.Unlock()
		if halt || ctx.Err() != nil {
			// Undispatched units stay skipped (or failed on the retry pass).
			continue
		}

		sem <- struct{}{}

		// Dispatch decisions re-check under the semaphore: a failure while we
		// waited must stop us before the unit starts.
		mu.Lock()
		halt = stopped
		mu.Unlock()
		if halt || ctx.Err() != nil {
			<-sem
			continue
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			unit := units[i]
			exec := state.New(nil)
			err := c.runner.Run(ctx, unit, exec, c.tagged(unit, cb))
			snap := exec.Snapshot()

			mu.Lock()
			defer mu.Unlock()
			results[i].PhaseReached = snap.Phase
			results[i].Metrics = snap.Metrics
			if err != nil {
				results[i].Status = StatusFailed
				results[i].Err = err
				if stopOnError {
					stopped = true
				}
				logging.Error("Unit %s failed: %v", unit, err)
				return
			}
			results[i].Err = nil
			if isRetry {
				results[i].Status = StatusSucceededRetried
			} else {
				results[i].Status = StatusSucceeded
			}
		}(i)
	}

	wg.Wait()
}

// tagged wraps the aggregate callback so each unit's events carry its
// identity, keeping concurrent units distinguishable.
func (c *Coordinator) tagged(unit mapping.Unit, cb progress.Callback) progress.Callback {
	label := unit.Source.Instance + "->" + unit.Target.Instance
	return func(ev progress.Event) {
		ev.Unit = label
		ev.Source = unit.Source.Instance
		ev.Target = unit.Target.Instance
		cb(ev)
	}
}
