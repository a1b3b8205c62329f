package notify

import (
	"time"

	"github.com/pgops/cloudsql-migrate/internal/batch"
)

// Provider defines the notification contract for batch events. The
// interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// BatchStarted sends notification when a batch begins executing.
	BatchStarted(runID, strategy string, unitCount int) error

	// BatchCompleted sends notification when every unit succeeded.
	BatchCompleted(runID string, startTime time.Time, result *batch.BatchResult) error

	// BatchCompletedWithErrors sends notification for a partial failure.
	BatchCompletedWithErrors(runID string, startTime time.Time, result *batch.BatchResult) error

	// BatchFailed sends notification when the batch failed outright.
	BatchFailed(runID string, err error, duration time.Duration) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
