package dbops

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/conn"
)

type fakeConns struct {
	sizes   map[string]int64
	sizeErr error
}

func (f *fakeConns) Connect(ctx context.Context, d conn.Descriptor) (conn.Pool, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeConns) ResolveEndpoint(d conn.Descriptor) (conn.Endpoint, error) {
	return conn.Endpoint{Host: "10.0.0.1", Port: 5432, User: "postgres", Password: "pw"}, nil
}

func (f *fakeConns) DatabaseSize(ctx context.Context, d conn.Descriptor, database string) (int64, error) {
	if f.sizeErr != nil {
		return 0, f.sizeErr
	}
	return f.sizes[database], nil
}

func TestComputeEstimateMonotonic(t *testing.T) {
	opts := Options{}
	sizes := []int64{
		0,
		100 << 20,
		1 << 30,
		9 << 30,
		10 << 30,
		11 << 30, // crosses the large-size penalty
		100 << 30,
	}
	var prev time.Duration
	for _, size := range sizes {
		got := computeEstimate(size, opts)
		if got < prev {
			t.Errorf("computeEstimate(%d) = %s, less than estimate for smaller size %s", size, got, prev)
		}
		prev = got
	}
}

func TestComputeEstimateModes(t *testing.T) {
	const size = 5 << 30

	schemaOnly := computeEstimate(size, Options{SchemaOnly: true})
	full := computeEstimate(size, Options{})
	clean := computeEstimate(size, Options{UseClean: true})

	if schemaOnly >= full {
		t.Errorf("schema-only estimate %s should be below full estimate %s", schemaOnly, full)
	}
	if clean <= full {
		t.Errorf("clean restore estimate %s should exceed full estimate %s (index rebuild)", clean, full)
	}
}

func TestComputeEstimateOverheadFloor(t *testing.T) {
	// A tiny database still pays the minimum overhead.
	got := computeEstimate(1<<20, Options{})
	if got < 2*time.Minute {
		t.Errorf("computeEstimate(1MiB) = %s, want at least the 2 minute overhead floor", got)
	}
}

func TestGetMigrationEstimate(t *testing.T) {
	cfg := config.Default()
	conns := &fakeConns{sizes: map[string]int64{
		"orders":    2 << 30,
		"analytics": 1 << 30,
	}}
	ops := New(cfg, conns)

	src := conn.Descriptor{Project: "p", Instance: "src-db"}
	est := ops.GetMigrationEstimate(context.Background(), src, []string{"orders", "analytics"}, Options{})

	if est.Fallback {
		t.Fatalf("unexpected fallback: %s", est.Factor)
	}
	if got, want := est.TotalBytes, int64(3<<30); got != want {
		t.Errorf("TotalBytes = %d, want %d", got, want)
	}
	if est.Duration <= 0 {
		t.Errorf("Duration = %s, want positive", est.Duration)
	}
}

func TestGetMigrationEstimateFallback(t *testing.T) {
	cfg := config.Default()
	conns := &fakeConns{sizeErr: errors.New("permission denied for database")}
	ops := New(cfg, conns)

	src := conn.Descriptor{Project: "p", Instance: "src-db"}
	est := ops.GetMigrationEstimate(context.Background(), src, []string{"orders"}, Options{})

	if !est.Fallback {
		t.Fatal("expected fallback estimate")
	}
	if got, want := est.Duration, 30*time.Minute; got != want {
		t.Errorf("Duration = %s, want %s", got, want)
	}
	if est.Factor == "" {
		t.Error("Factor should carry the diagnostic cause")
	}
}
