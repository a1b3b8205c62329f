// Package state tracks the per-unit migration lifecycle: an ordered phase
// list, accumulated metrics, and a terminal outcome.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// Phase names, in execution order.
const (
	PhaseValidation     = "Validation"
	PhaseDiscovery      = "Discovery"
	PhasePreflight      = "Pre-flight Checks"
	PhaseExport         = "Export"
	PhaseImport         = "Import"
	PhasePostValidation = "Post-migration Validation"
	PhaseCleanup        = "Cleanup"
)

// DefaultPhases is the full phase sequence for a live migration unit.
var DefaultPhases = []string{
	PhaseValidation,
	PhaseDiscovery,
	PhasePreflight,
	PhaseExport,
	PhaseImport,
	PhasePostValidation,
	PhaseCleanup,
}

// Status is the unit's lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Metrics accumulates counters across phases. Zero values never overwrite
// an already-recorded positive value.
type Metrics struct {
	Databases     int
	BytesExported int64
	BytesImported int64
	Warnings      int
}

// Result is the frozen payload of a completed unit.
type Result struct {
	Databases []string
	Duration  time.Duration
	DryRun    bool
}

// Execution is the state machine for one migration unit. Safe for use from
// the unit's worker goroutine plus concurrent snapshot readers.
type Execution struct {
	mu sync.Mutex

	phases   []string
	phaseIdx map[string]int

	status    Status
	phase     string
	phaseAt   time.Time
	startedAt time.Time
	endedAt   time.Time

	metrics Metrics
	result  *Result
	err     error
}

// Snapshot is a point-in-time copy of an execution's observable state.
type Snapshot struct {
	Status    Status
	Phase     string
	PhaseAt   time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Metrics   Metrics
	Result    *Result
	Err       error
}

// New creates a pending execution over the given phase list.
func New(phases []string) *Execution {
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	idx := make(map[string]int, len(phases))
	for i, p := range phases {
		idx[p] = i
	}
	return &Execution{
		phases:   phases,
		phaseIdx: idx,
		status:   StatusPending,
	}
}

// Start moves the execution to Running at the first phase.
func (e *Execution) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusRunning
	e.phase = e.phases[0]
	e.startedAt = time.Now()
	e.phaseAt = e.startedAt
}

// SetPhase records a phase transition. Re-entering the current phase is
// allowed (retried sub-steps); moving backwards or to an unknown phase is an
// error.
func (e *Execution) SetPhase(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != StatusRunning {
		return fmt.Errorf("cannot set phase %q: execution is %s", name, e.status)
	}
	next, ok := e.phaseIdx[name]
	if !ok {
		return fmt.Errorf("unknown phase %q", name)
	}
	if cur, ok := e.phaseIdx[e.phase]; ok && next < cur {
		return fmt.Errorf("phase %q precedes current phase %q", name, e.phase)
	}

	e.phase = name
	e.phaseAt = time.Now()
	logging.Debug("Phase -> %s", name)
	return nil
}

// UpdateMetrics merges the partial metrics into the accumulator. A zero
// field in the partial never clears a recorded positive value.
func (e *Execution) UpdateMetrics(partial Metrics) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if partial.Databases > 0 {
		e.metrics.Databases = partial.Databases
	}
	if partial.BytesExported > 0 {
		e.metrics.BytesExported = partial.BytesExported
	}
	if partial.BytesImported > 0 {
		e.metrics.BytesImported = partial.BytesImported
	}
	if partial.Warnings > 0 {
		e.metrics.Warnings += partial.Warnings
	}
}

// Complete freezes the execution as a success.
func (e *Execution) Complete(result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusCompleted || e.status == StatusFailed {
		return
	}
	e.status = StatusCompleted
	e.endedAt = time.Now()
	if result.Duration == 0 && !e.startedAt.IsZero() {
		result.Duration = e.endedAt.Sub(e.startedAt)
	}
	e.result = &result
}

// Fail freezes the execution as a failure, keeping the metrics gathered so
// far. Reachable from any non-terminal state.
func (e *Execution) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusCompleted || e.status == StatusFailed {
		return
	}
	e.status = StatusFailed
	e.endedAt = time.Now()
	e.err = err
}

// Snapshot returns a copy of the current state.
func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Status:    e.status,
		Phase:     e.phase,
		PhaseAt:   e.phaseAt,
		StartedAt: e.startedAt,
		EndedAt:   e.endedAt,
		Metrics:   e.metrics,
		Result:    e.result,
		Err:       e.err,
	}
}
