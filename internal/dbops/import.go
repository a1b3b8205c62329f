package dbops

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// ImportResult describes a completed restore.
type ImportResult struct {
	Duration time.Duration
	Warnings int
}

// BuildRestoreArgs assembles the pg_restore argument list. Ownership, ACLs,
// privileges and comments are always stripped: the dump comes from an
// instance whose roles do not exist on the target.
func BuildRestoreArgs(ep conn.Endpoint, database, artifactPath string, opts Options) []string {
	args := []string{
		"--host", ep.Host,
		"--port", strconv.Itoa(ep.Port),
		"--username", ep.User,
		"--dbname", database,
		"--no-password",
		"--verbose",
		"--no-owner",
		"--no-acl",
		"--no-privileges",
		"--no-comments",
	}
	if opts.UseClean {
		args = append(args, "--clean", "--if-exists")
	}
	if opts.SchemaOnly {
		args = append(args, "--schema-only")
	}
	if opts.DataOnly {
		args = append(args, "--data-only")
	}
	if opts.Jobs > 1 {
		args = append(args, "--jobs", strconv.Itoa(opts.Jobs))
	}
	return append(args, artifactPath)
}

// ImportDatabase restores a dump artifact into a database on the target
// instance, creating the database first if it does not exist. A nonzero exit
// is tolerated when every error line matched an ignorable category.
func (o *Operations) ImportDatabase(ctx context.Context, tgt conn.Descriptor, database, artifactPath string, opts Options) (*ImportResult, error) {
	if artifactPath == "" {
		return nil, errs.Validationf("import requires a dump artifact path")
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return nil, errs.Validationf("dump artifact %s not found: %v", artifactPath, err)
	}

	tgt = tgt.WithRole(conn.RoleTarget)
	if err := o.EnsureDatabase(ctx, tgt, database); err != nil {
		return nil, err
	}

	ep, err := o.conns.ResolveEndpoint(tgt)
	if err != nil {
		return nil, err
	}

	env := pgEnv(ep)
	if opts.TargetSchema != "" {
		if err := o.ensureSchema(ctx, tgt, database, opts.TargetSchema); err != nil {
			return nil, err
		}
		// pg_restore has no --target-schema; steer the session search_path
		// so restored objects land in the requested namespace.
		env = append(env, "PGOPTIONS=-c search_path="+opts.TargetSchema)
	}

	logging.Info("Restoring %s into %s/%s", artifactPath, tgt.Instance, database)

	result, err := o.runTool(ctx, o.cfg.Tools.PgRestore, BuildRestoreArgs(ep, database, artifactPath, opts), env)
	if err != nil {
		return nil, err
	}

	fatal := FatalLines(result.stderr)
	if result.exitCode != 0 && len(fatal) > 0 {
		return nil, &errs.ProcessError{
			Op:       "import",
			Database: database,
			ExitCode: result.exitCode,
			Output:   joinTail(fatal, 5),
		}
	}
	if result.exitCode != 0 {
		logging.Warn("pg_restore exited %d for %s but all errors matched ignorable categories", result.exitCode, database)
	}

	warnings := 0
	for _, line := range result.stderr {
		if class, _ := ClassifyLine(line); class == ClassWarning || class == ClassIgnorable {
			warnings++
		}
	}

	logging.Info("Restored %s/%s in %s (%d warnings)", tgt.Instance, database, result.duration.Round(time.Second), warnings)
	return &ImportResult{Duration: result.duration, Warnings: warnings}, nil
}

// EnsureDatabase creates the database on the target instance if absent.
// Idempotent: a concurrent "already exists" failure is tolerated.
func (o *Operations) EnsureDatabase(ctx context.Context, tgt conn.Descriptor, database string) error {
	admin, err := o.conns.Connect(ctx, tgt.WithDatabase("postgres"))
	if err != nil {
		return err
	}

	var exists bool
	row := admin.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("checking for database %s: %w", database, err)
	}
	if exists {
		logging.Debug("Database %s already exists on %s", database, tgt.Instance)
		return nil
	}

	logging.Info("Creating database %s on %s", database, tgt.Instance)
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(database)))
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating database %s: %w", database, err)
	}
	return nil
}

func (o *Operations) ensureSchema(ctx context.Context, tgt conn.Descriptor, database, schema string) error {
	pool, err := o.conns.Connect(ctx, tgt.WithDatabase(database))
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
		return fmt.Errorf("creating schema %s in %s: %w", schema, database, err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
