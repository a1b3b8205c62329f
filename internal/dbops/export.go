package dbops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// ExportResult describes a completed dump.
type ExportResult struct {
	ArtifactPath string
	SizeBytes    int64
	Duration     time.Duration
}

// BuildDumpArgs assembles the pg_dump argument list for one database.
func BuildDumpArgs(ep conn.Endpoint, database, artifactPath string, opts Options) []string {
	args := []string{
		"--host", ep.Host,
		"--port", strconv.Itoa(ep.Port),
		"--username", ep.User,
		"--dbname", database,
		"--format", "custom",
		"--no-password",
		"--verbose",
		"--file", artifactPath,
	}
	if opts.Compression > 0 {
		args = append(args, "--compress", strconv.Itoa(opts.Compression))
	}
	if opts.SchemaOnly {
		args = append(args, "--schema-only")
	}
	if opts.DataOnly {
		args = append(args, "--data-only")
	}
	for _, table := range opts.ExcludeTableData {
		args = append(args, "--exclude-table-data", table)
	}
	return args
}

// ExportDatabase dumps one database from the source instance into the work
// directory. On failure the partial artifact is deleted before the error is
// returned.
func (o *Operations) ExportDatabase(ctx context.Context, src conn.Descriptor, database string, opts Options) (*ExportResult, error) {
	if database == "" {
		return nil, errs.Validationf("export requires a database name")
	}

	ep, err := o.conns.ResolveEndpoint(src.WithRole(conn.RoleSource))
	if err != nil {
		return nil, err
	}

	workDir := o.cfg.Migration.WorkDir
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	artifact := filepath.Join(workDir, fmt.Sprintf("%s_%s_%s.dump",
		src.Instance, database, time.Now().UTC().Format("20060102T150405")))

	logging.Info("Exporting %s/%s -> %s", src.Instance, database, artifact)

	result, err := o.runTool(ctx, o.cfg.Tools.PgDump, BuildDumpArgs(ep, database, artifact, opts), pgEnv(ep))
	if err != nil {
		os.Remove(artifact)
		return nil, err
	}
	if result.exitCode != 0 {
		os.Remove(artifact)
		return nil, &errs.ProcessError{
			Op:       "export",
			Database: database,
			ExitCode: result.exitCode,
			Output:   joinTail(FatalLines(result.stderr), 5),
		}
	}

	info, err := os.Stat(artifact)
	if err != nil {
		return nil, fmt.Errorf("statting dump artifact: %w", err)
	}

	logging.Info("Exported %s/%s: %d bytes in %s", src.Instance, database, info.Size(), result.duration.Round(time.Second))
	return &ExportResult{
		ArtifactPath: artifact,
		SizeBytes:    info.Size(),
		Duration:     result.duration,
	}, nil
}

// joinTail joins at most the last n lines.
func joinTail(lines []string, n int) string {
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "; "
		}
		out += line
	}
	return out
}
