package dbops

import (
	"context"
	"math"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// Throughput heuristics in MB per minute, by operation mode. Cross-region
// copies never saturate the link, hence the flat penalty; large transfers
// degrade further once caches stop helping.
const (
	throughputSchemaOnly = 1000.0
	throughputDataOnly   = 150.0
	throughputFull       = 120.0
	throughputIndexCap   = 80.0

	crossRegionFactor = 0.7
	largeSizeFactor   = 0.8
	largeSizeBytes    = 10 << 30

	overheadFraction = 0.15
	overheadMinMin   = 2.0
	overheadMaxMin   = 30.0

	fallbackEstimate = 30 * time.Minute
)

// Estimate is a size-derived duration prediction for one migration unit.
type Estimate struct {
	TotalBytes  int64
	PerDatabase map[string]int64
	Duration    time.Duration
	Fallback    bool   // true when sizing failed and the fixed value is used
	Factor      string // diagnostic note when Fallback is set
}

// computeEstimate derives the duration from total size and mode. Pure, so
// monotonicity in size is testable in isolation.
func computeEstimate(totalBytes int64, opts Options) time.Duration {
	throughput := throughputFull
	switch {
	case opts.SchemaOnly:
		throughput = throughputSchemaOnly
	case opts.DataOnly:
		throughput = throughputDataOnly
	}
	// A clean restore rebuilds every index after the data load.
	if !opts.SchemaOnly && opts.UseClean && throughput > throughputIndexCap {
		throughput = throughputIndexCap
	}

	throughput *= crossRegionFactor
	if totalBytes > largeSizeBytes {
		throughput *= largeSizeFactor
	}

	sizeMB := float64(totalBytes) / (1 << 20)
	minutes := math.Ceil(sizeMB / throughput)

	overhead := minutes * overheadFraction
	if overhead < overheadMinMin {
		overhead = overheadMinMin
	}
	if overhead > overheadMaxMin {
		overhead = overheadMaxMin
	}

	return time.Duration(minutes+overhead) * time.Minute
}

// GetMigrationEstimate sizes each database on the source and derives a total
// duration. Estimation never fails the caller: on any error it returns the
// conservative fixed estimate with the cause noted.
func (o *Operations) GetMigrationEstimate(ctx context.Context, src conn.Descriptor, databases []string, opts Options) *Estimate {
	src = src.WithRole(conn.RoleSource)
	est := &Estimate{PerDatabase: make(map[string]int64, len(databases))}

	for _, db := range databases {
		size, err := o.conns.DatabaseSize(ctx, src, db)
		if err != nil {
			logging.Warn("Estimation failed for %s/%s: %v; using fallback", src.Instance, db, err)
			eerr := &errs.EstimationError{Database: db, Err: err}
			est.Fallback = true
			est.Factor = eerr.Error()
			est.Duration = fallbackEstimate
			return est
		}
		est.PerDatabase[db] = size
		est.TotalBytes += size
	}

	est.Duration = computeEstimate(est.TotalBytes, opts)
	logging.Debug("Estimated %d bytes across %d databases: %s", est.TotalBytes, len(databases), est.Duration)
	return est
}
