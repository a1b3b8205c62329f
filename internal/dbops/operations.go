// Package dbops orchestrates pg_dump/pg_restore subprocesses and derives
// size-based duration estimates. Validation failures here are fatal and not
// retried; retry policy belongs to the batch coordinator.
package dbops

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// Connections is the slice of the connection manager dbops depends on.
type Connections interface {
	Connect(ctx context.Context, d conn.Descriptor) (conn.Pool, error)
	ResolveEndpoint(d conn.Descriptor) (conn.Endpoint, error)
	DatabaseSize(ctx context.Context, d conn.Descriptor, database string) (int64, error)
}

// Options controls one export or import operation.
type Options struct {
	SchemaOnly       bool
	DataOnly         bool
	UseClean         bool
	Jobs             int
	Compression      int
	ExcludeTableData []string
	TargetSchema     string // restore into this schema instead of the dump's own
}

// Operations runs export/import subprocesses against resolved endpoints.
type Operations struct {
	cfg   *config.Config
	conns Connections
}

// New creates a DatabaseOperations instance over the given connections.
func New(cfg *config.Config, conns Connections) *Operations {
	return &Operations{cfg: cfg, conns: conns}
}

// maxKeptLines bounds the stderr ring kept for error reporting.
const maxKeptLines = 200

type commandResult struct {
	exitCode int
	duration time.Duration
	stderr   []string
}

// runTool spawns a dump/restore binary with the resolved credential injected
// as PGPASSWORD, streaming stderr through the shared classifier. The context
// terminates the subprocess on cancellation.
func (o *Operations) runTool(ctx context.Context, bin string, args []string, env []string) (*commandResult, error) {
	logging.Debug("Spawning %s %v", bin, args)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), env...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}

	lines, scanErr := consumeStderr(bin, stderr)

	waitErr := cmd.Wait()
	result := &commandResult{
		duration: time.Since(start),
		stderr:   lines,
	}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("running %s: %w", bin, waitErr)
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return result, nil
}

// consumeStderr streams a tool's stderr through the classifier, keeping a
// bounded window for error reporting. When scanning fails (a line over the
// buffer limit, say a COPY failure CONTEXT carrying row data) the remainder
// is drained so the child never blocks writing, and the failure is reported.
func consumeStderr(bin string, r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(lines) < maxKeptLines {
			lines = append(lines, line)
		}
		switch class, category := ClassifyLine(line); class {
		case ClassFatal:
			logging.Error("%s: %s", bin, line)
		case ClassWarning:
			logging.Warn("%s: %s", bin, line)
		case ClassIgnorable:
			logging.Debug("%s (ignorable %s): %s", bin, category, line)
		default:
			logging.Debug("%s: %s", bin, line)
		}
	}
	if err := scanner.Err(); err != nil {
		io.Copy(io.Discard, r)
		return lines, fmt.Errorf("reading %s stderr: %w", bin, err)
	}
	return lines, nil
}

func pgEnv(ep conn.Endpoint, extra ...string) []string {
	env := []string{"PGPASSWORD=" + ep.Password}
	return append(env, extra...)
}
