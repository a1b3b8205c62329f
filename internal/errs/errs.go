// Package errs defines the error taxonomy shared by the migration engine.
// Connection failures are retried and surfaced once as a single aggregated
// ConnectionError; validation failures are fatal and never retried.
package errs

import (
	"fmt"
	"strings"
)

// ConnectionError reports an authentication, network, or host-resolution
// failure, annotated with a diagnostic hint and the number of attempts made.
type ConnectionError struct {
	Key      string // connection key (project:instance:database), may be empty
	Hint     string // refused, not-found, auth, timeout, ssl, unknown
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("connection failed after %d attempts (%s): %v", e.Attempts, e.Hint, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("connection failed (%s): %s", e.Hint, e.Key)
	}
	return fmt.Sprintf("connection failed (%s): %v", e.Hint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ValidationError reports missing or inconsistent configuration. Fatal,
// never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ProcessError reports an export/import subprocess exit that was not covered
// by the ignorable-warning classifier.
type ProcessError struct {
	Op       string // "export" or "import"
	Database string
	ExitCode int
	Output   string // last relevant stderr lines
	Err      error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s of %q failed (exit %d)", e.Op, e.Database, e.ExitCode)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// EstimationError reports a failed duration estimate. Non-fatal; the
// estimator substitutes a conservative fixed value.
type EstimationError struct {
	Database string
	Err      error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimating %q: %v", e.Database, e.Err)
}

func (e *EstimationError) Unwrap() error {
	return e.Err
}

// connection error hint patterns, matched against the raw driver error
var hintPatterns = []struct {
	hint     string
	patterns []string
}{
	{"refused", []string{"connection refused", "connection reset", "broken pipe"}},
	{"not-found", []string{"no such host", "server misbehaving", "name resolution", "unknown host"}},
	{"auth", []string{"password authentication failed", "authentication", "permission denied", "role", "login failed"}},
	{"timeout", []string{"timeout", "timed out", "deadline exceeded"}},
	{"ssl", []string{"ssl", "tls", "certificate"}},
	{"not-exists", []string{"does not exist"}},
}

// ClassifyConnection derives a diagnostic hint from a raw connection error.
func ClassifyConnection(err error) string {
	if err == nil {
		return "unknown"
	}
	msg := strings.ToLower(err.Error())
	for _, hp := range hintPatterns {
		for _, p := range hp.patterns {
			if strings.Contains(msg, p) {
				return hp.hint
			}
		}
	}
	return "unknown"
}
