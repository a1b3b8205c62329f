package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/mapping"
	"github.com/pgops/cloudsql-migrate/internal/progress"
	"github.com/pgops/cloudsql-migrate/internal/state"
)

// scriptedRunner fails the named units a configured number of times and
// tracks the peak number of simultaneously running units.
type scriptedRunner struct {
	mu       sync.Mutex
	failures map[string]int // source instance -> remaining failures
	attempts map[string]int
	running  int
	peak     int
	delay    time.Duration
}

func newScriptedRunner(failures map[string]int) *scriptedRunner {
	return &scriptedRunner{
		failures: failures,
		attempts: make(map[string]int),
		delay:    5 * time.Millisecond,
	}
}

func (s *scriptedRunner) Run(ctx context.Context, unit mapping.Unit, exec *state.Execution, cb progress.Callback) error {
	s.mu.Lock()
	s.running++
	if s.running > s.peak {
		s.peak = s.running
	}
	s.attempts[unit.Source.Instance]++
	fail := s.failures[unit.Source.Instance] > 0
	if fail {
		s.failures[unit.Source.Instance]--
	}
	s.mu.Unlock()

	time.Sleep(s.delay)
	exec.Start()
	if cb != nil {
		cb(progress.Event{Phase: state.PhaseValidation, Status: "started"})
	}

	s.mu.Lock()
	s.running--
	s.mu.Unlock()

	if fail {
		err := errors.New("scripted failure")
		exec.Fail(err)
		return err
	}
	exec.Complete(state.Result{})
	return nil
}

func boolPtr(b bool) *bool { return &b }

func batchConfig(maxParallel int, stopOnError, retryFailed bool) *config.Config {
	cfg := config.Default()
	cfg.Batch.MaxParallel = maxParallel
	cfg.Batch.StopOnError = boolPtr(stopOnError)
	cfg.Batch.RetryFailed = boolPtr(retryFailed)
	return cfg
}

func makeUnits(n int) []mapping.Unit {
	units := make([]mapping.Unit, n)
	for i := range units {
		units[i] = mapping.Unit{
			Source:    conn.Descriptor{Project: "p", Instance: "src-" + string(rune('a'+i))},
			Target:    conn.Descriptor{Project: "p", Instance: "tgt-" + string(rune('a'+i))},
			Databases: []mapping.DatabasePair{{Source: "d", Target: "d"}},
		}
	}
	return units
}

func TestBoundedConcurrency(t *testing.T) {
	runner := newScriptedRunner(nil)
	c := NewCoordinator(batchConfig(2, true, false), runner)

	result := c.ExecuteUnits(context.Background(), makeUnits(5), nil)

	if result.Succeeded != 5 {
		t.Fatalf("succeeded = %d, want 5", result.Succeeded)
	}
	if runner.peak > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", runner.peak)
	}
}

func TestStopOnErrorSkipsUndispatched(t *testing.T) {
	units := makeUnits(4)
	runner := newScriptedRunner(map[string]int{"src-b": 1})
	c := NewCoordinator(batchConfig(1, true, false), runner)

	result := c.ExecuteUnits(context.Background(), units, nil)

	want := map[string]string{
		"src-a": StatusSucceeded,
		"src-b": StatusFailed,
		"src-c": StatusSkipped,
		"src-d": StatusSkipped,
	}
	for _, ur := range result.Units {
		if got := want[ur.Unit.Source.Instance]; ur.Status != got {
			t.Errorf("unit %s status = %s, want %s", ur.Unit.Source.Instance, ur.Status, got)
		}
	}
	if result.Succeeded != 1 || result.Failed != 1 || result.Skipped != 2 {
		t.Errorf("counts = %d/%d/%d, want 1/1/2", result.Succeeded, result.Failed, result.Skipped)
	}
}

func TestStopOnErrorDisabledRunsAll(t *testing.T) {
	runner := newScriptedRunner(map[string]int{"src-b": 2})
	c := NewCoordinator(batchConfig(1, false, false), runner)

	result := c.ExecuteUnits(context.Background(), makeUnits(4), nil)

	if result.Succeeded != 3 || result.Failed != 1 || result.Skipped != 0 {
		t.Errorf("counts = %d/%d/%d, want 3/1/0", result.Succeeded, result.Failed, result.Skipped)
	}
}

func TestRetryFailedOnce(t *testing.T) {
	// src-b fails once then succeeds; src-c fails both passes.
	runner := newScriptedRunner(map[string]int{"src-b": 1, "src-c": 2})
	c := NewCoordinator(batchConfig(2, false, true), runner)

	result := c.ExecuteUnits(context.Background(), makeUnits(3), nil)

	byInstance := make(map[string]UnitResult)
	for _, ur := range result.Units {
		byInstance[ur.Unit.Source.Instance] = ur
	}

	if got := byInstance["src-a"].Status; got != StatusSucceeded {
		t.Errorf("src-a status = %s, want %s", got, StatusSucceeded)
	}
	if got := byInstance["src-b"].Status; got != StatusSucceededRetried {
		t.Errorf("src-b status = %s, want %s", got, StatusSucceededRetried)
	}
	if got := byInstance["src-c"].Status; got != StatusFailed {
		t.Errorf("src-c status = %s, want %s", got, StatusFailed)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.attempts["src-b"] != 2 {
		t.Errorf("src-b attempts = %d, want 2", runner.attempts["src-b"])
	}
	if runner.attempts["src-c"] != 2 {
		t.Errorf("src-c attempts = %d, want exactly 2 (retried once)", runner.attempts["src-c"])
	}
	if runner.attempts["src-a"] != 1 {
		t.Errorf("src-a attempts = %d, want 1", runner.attempts["src-a"])
	}
}

func TestSkippedUnitsAreNotRetried(t *testing.T) {
	runner := newScriptedRunner(map[string]int{"src-a": 2})
	c := NewCoordinator(batchConfig(1, true, true), runner)

	result := c.ExecuteUnits(context.Background(), makeUnits(3), nil)

	if result.Failed != 1 || result.Skipped != 2 {
		t.Fatalf("counts = failed %d skipped %d, want 1/2", result.Failed, result.Skipped)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.attempts["src-b"] != 0 || runner.attempts["src-c"] != 0 {
		t.Errorf("skipped units were dispatched: b=%d c=%d", runner.attempts["src-b"], runner.attempts["src-c"])
	}
}

func TestProgressEventsTagged(t *testing.T) {
	var mu sync.Mutex
	var events []progress.Event
	cb := func(ev progress.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	runner := newScriptedRunner(nil)
	c := NewCoordinator(batchConfig(2, true, false), runner)
	c.ExecuteUnits(context.Background(), makeUnits(3), cb)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Unit == "" || ev.Source == "" || ev.Target == "" {
			t.Errorf("event not tagged with unit identity: %+v", ev)
		}
		seen[ev.Unit] = true
	}
	if len(seen) != 3 {
		t.Errorf("got %d distinct unit tags, want 3", len(seen))
	}
}

func TestExecuteBatchResolvesMapping(t *testing.T) {
	runner := newScriptedRunner(nil)
	c := NewCoordinator(batchConfig(2, true, false), runner)

	req := &mapping.Request{
		Strategy: mapping.StrategySimple,
		Sources: []mapping.Source{{
			Descriptor: conn.Descriptor{Project: "p", Instance: "src-db"},
			Databases:  []string{"orders"},
		}},
		Targets: []mapping.Target{{
			Descriptor: conn.Descriptor{Project: "p", Instance: "tgt-db"},
		}},
	}
	result, err := c.ExecuteBatch(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch() error: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("succeeded = %d, want 1", result.Succeeded)
	}
}

func TestCancelledBatchSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := newScriptedRunner(nil)
	c := NewCoordinator(batchConfig(2, true, false), runner)
	result := c.ExecuteUnits(ctx, makeUnits(3), nil)

	if result.Skipped != 3 {
		t.Errorf("skipped = %d, want 3 for a pre-cancelled batch", result.Skipped)
	}
}
