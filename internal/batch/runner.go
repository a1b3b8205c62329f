// Package batch executes migration units: a runner drives one unit through
// its phase sequence, and a coordinator schedules many units over a bounded
// worker pool with stop-on-error and retry-once policies.
package batch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/dbops"
	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
	"github.com/pgops/cloudsql-migrate/internal/mapping"
	"github.com/pgops/cloudsql-migrate/internal/progress"
	"github.com/pgops/cloudsql-migrate/internal/state"
)

// Connections is the slice of the connection manager the runner needs.
type Connections interface {
	ListDatabases(ctx context.Context, d conn.Descriptor) ([]string, error)
	DatabaseExists(ctx context.Context, d conn.Descriptor, database string) (bool, error)
	ConnectWithAttempts(ctx context.Context, d conn.Descriptor, attempts int) (conn.Pool, error)
}

// Operations is the slice of dbops the runner needs.
type Operations interface {
	ExportDatabase(ctx context.Context, src conn.Descriptor, database string, opts dbops.Options) (*dbops.ExportResult, error)
	ImportDatabase(ctx context.Context, tgt conn.Descriptor, database, artifactPath string, opts dbops.Options) (*dbops.ImportResult, error)
	GetMigrationEstimate(ctx context.Context, src conn.Descriptor, databases []string, opts dbops.Options) *dbops.Estimate
}

// Runner executes a single migration unit through its phases.
type Runner struct {
	cfg   *config.Config
	conns Connections
	ops   Operations
}

// NewRunner creates a unit runner.
func NewRunner(cfg *config.Config, conns Connections, ops Operations) *Runner {
	return &Runner{cfg: cfg, conns: conns, ops: ops}
}

// Run drives one unit to a terminal state, recording progress into exec and
// emitting events to cb. Cancellation is checked before every phase
// transition; in-flight subprocesses die with the context.
func (r *Runner) Run(ctx context.Context, unit mapping.Unit, exec *state.Execution, cb progress.Callback) error {
	if timeout := r.cfg.Migration.UnitTimeoutMin; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Minute)
		defer cancel()
	}
	if cb == nil {
		cb = progress.Nop
	}

	err := r.run(ctx, unit, exec, cb)
	if err != nil {
		exec.Fail(err)
	}
	return err
}

func (r *Runner) run(ctx context.Context, unit mapping.Unit, exec *state.Execution, cb progress.Callback) error {
	opts := r.buildOptions(unit.Options)

	exec.Start()
	cb(progress.Event{Phase: state.PhaseValidation, Status: "started"})

	if err := r.validate(unit); err != nil {
		return err
	}

	if err := r.advance(ctx, exec, state.PhaseDiscovery); err != nil {
		return err
	}
	pairs, err := r.discover(ctx, unit)
	if err != nil {
		return err
	}
	exec.UpdateMetrics(state.Metrics{Databases: len(pairs)})
	cb(progress.Event{Phase: state.PhaseDiscovery, Total: len(pairs), Status: "discovered"})

	if err := r.advance(ctx, exec, state.PhasePreflight); err != nil {
		return err
	}
	if err := r.preflight(ctx, unit); err != nil {
		return err
	}
	sources := make([]string, len(pairs))
	for i, p := range pairs {
		sources[i] = p.Source
	}
	est := r.ops.GetMigrationEstimate(ctx, unit.Source, sources, opts)
	cb(progress.Event{Phase: state.PhasePreflight, Total: len(pairs), Status: "estimated " + est.Duration.String(), SizeBytes: est.TotalBytes})

	if unit.Options.DryRun {
		logging.Info("Dry run: %s validated, estimated %s; stopping before export", unit, est.Duration)
		exec.Complete(state.Result{Databases: sources, DryRun: true})
		cb(progress.Event{Phase: state.PhasePreflight, Status: "dry-run complete"})
		return nil
	}

	if err := r.advance(ctx, exec, state.PhaseExport); err != nil {
		return err
	}
	artifacts := make(map[string]string, len(pairs)) // source db -> artifact
	defer r.removeArtifacts(artifacts)
	var exported int64
	for i, pair := range pairs {
		res, err := r.ops.ExportDatabase(ctx, unit.Source, pair.Source, opts)
		if err != nil {
			return err
		}
		artifacts[pair.Source] = res.ArtifactPath
		exported += res.SizeBytes
		exec.UpdateMetrics(state.Metrics{BytesExported: exported})
		cb(progress.Event{Phase: state.PhaseExport, Database: pair.Source, Current: i + 1, Total: len(pairs), Status: "exported", SizeBytes: res.SizeBytes})
	}

	if err := r.advance(ctx, exec, state.PhaseImport); err != nil {
		return err
	}
	var imported int64
	var warnings int
	for i, pair := range pairs {
		pairOpts := opts
		pairOpts.TargetSchema = pair.TargetSchema
		res, err := r.ops.ImportDatabase(ctx, unit.Target, pair.Target, artifacts[pair.Source], pairOpts)
		if err != nil {
			return err
		}
		imported += est.PerDatabase[pair.Source]
		warnings += res.Warnings
		exec.UpdateMetrics(state.Metrics{BytesImported: imported, Warnings: res.Warnings})
		cb(progress.Event{Phase: state.PhaseImport, Database: pair.Target, Current: i + 1, Total: len(pairs), Status: "imported"})
	}

	if err := r.advance(ctx, exec, state.PhasePostValidation); err != nil {
		return err
	}
	for _, pair := range pairs {
		exists, err := r.conns.DatabaseExists(ctx, unit.Target, pair.Target)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("post-migration check: database %q missing on %s", pair.Target, unit.Target.Instance)
		}
	}
	cb(progress.Event{Phase: state.PhasePostValidation, Total: len(pairs), Status: "verified"})

	if err := r.advance(ctx, exec, state.PhaseCleanup); err != nil {
		return err
	}
	r.removeArtifacts(artifacts)
	cb(progress.Event{Phase: state.PhaseCleanup, Status: "done"})

	exec.Complete(state.Result{Databases: sources})
	return nil
}

// advance checks cancellation before recording the phase transition.
func (r *Runner) advance(ctx context.Context, exec *state.Execution, phase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return exec.SetPhase(phase)
}

func (r *Runner) validate(unit mapping.Unit) error {
	if unit.Source.Instance == "" || unit.Target.Instance == "" {
		return errs.Validationf("unit requires both source and target instances")
	}
	if unit.Source.Project == unit.Target.Project && unit.Source.Instance == unit.Target.Instance {
		return errs.Validationf("source and target instance are the same: %s", unit.Source.Instance)
	}
	if unit.Options.SchemaOnly && unit.Options.DataOnly {
		return errs.Validationf("schema-only and data-only are mutually exclusive")
	}
	return nil
}

// discover fills the unit's database list from the source instance when it
// was left empty, and verifies explicitly named databases exist.
func (r *Runner) discover(ctx context.Context, unit mapping.Unit) ([]mapping.DatabasePair, error) {
	if len(unit.Databases) == 0 {
		names, err := r.conns.ListDatabases(ctx, unit.Source)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, errs.Validationf("no user databases found on %s", unit.Source.Instance)
		}
		pairs := make([]mapping.DatabasePair, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, mapping.DatabasePair{Source: name, Target: name})
		}
		return pairs, nil
	}

	names, err := r.conns.ListDatabases(ctx, unit.Source)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}
	for _, pair := range unit.Databases {
		if !present[pair.Source] {
			return nil, errs.Validationf("database %q not found on source %s", pair.Source, unit.Source.Instance)
		}
	}
	return unit.Databases, nil
}

// preflight proves the target is reachable before any data moves. A unit may
// carry its own retry budget; otherwise the config default applies.
func (r *Runner) preflight(ctx context.Context, unit mapping.Unit) error {
	admin := unit.Target.WithDatabase("postgres")
	attempts := unit.Options.RetryAttempts
	if attempts <= 0 {
		attempts = r.cfg.Migration.RetryAttempts
	}
	if _, err := r.conns.ConnectWithAttempts(ctx, admin, attempts); err != nil {
		return err
	}
	return nil
}

func (r *Runner) buildOptions(o mapping.UnitOptions) dbops.Options {
	jobs := o.Jobs
	if jobs == 0 {
		jobs = r.cfg.Migration.Jobs
	}
	return dbops.Options{
		SchemaOnly:       o.SchemaOnly,
		DataOnly:         o.DataOnly,
		UseClean:         o.UseClean,
		Jobs:             jobs,
		Compression:      r.cfg.Migration.Compression,
		ExcludeTableData: r.cfg.Migration.ExcludeTableData,
	}
}

func (r *Runner) removeArtifacts(artifacts map[string]string) {
	for db, path := range artifacts {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logging.Warn("Could not remove dump artifact for %s: %v", db, err)
		}
		artifacts[db] = ""
	}
}
