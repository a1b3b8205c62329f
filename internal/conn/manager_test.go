package conn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/errs"
)

type fakePool struct {
	pingErr error
	closed  bool
}

func (f *fakePool) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (f *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (f *fakePool) Close()                                                        { f.closed = true }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Project = "acme-prod"
	cfg.Credentials.DefaultPassword = "secret"
	cfg.Network.InstanceIPs = map[string]string{}
	return cfg
}

func testManager(cfg *config.Config) (*Manager, *[]time.Duration) {
	m := NewManager(cfg)
	var delays []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return m, &delays
}

func TestConnectRetryBackoff(t *testing.T) {
	t.Run("succeeds after failures with exponential delays", func(t *testing.T) {
		cfg := testConfig()
		cfg.Network.InstanceIPs["db-src"] = "10.0.0.5"
		m, delays := testManager(cfg)

		failures := 2
		m.dial = func(ctx context.Context, dsn string) (Pool, error) {
			if failures > 0 {
				failures--
				return nil, errors.New("connection refused")
			}
			return &fakePool{}, nil
		}

		d := Descriptor{Project: "acme-prod", Instance: "db-src", Database: "appdb"}
		if _, err := m.Connect(context.Background(), d); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}

		want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}
		if len(*delays) != len(want) {
			t.Fatalf("observed %d delays, want %d", len(*delays), len(want))
		}
		for i, w := range want {
			if (*delays)[i] != w {
				t.Errorf("delay[%d] = %s, want %s", i, (*delays)[i], w)
			}
		}
	})

	t.Run("four attempts doubles up to 4s", func(t *testing.T) {
		cfg := testConfig()
		cfg.Migration.RetryAttempts = 4
		cfg.Network.InstanceIPs["db-src"] = "10.0.0.5"
		m, delays := testManager(cfg)
		m.dial = func(ctx context.Context, dsn string) (Pool, error) {
			return nil, errors.New("connection refused")
		}

		d := Descriptor{Project: "acme-prod", Instance: "db-src", Database: "appdb"}
		_, err := m.Connect(context.Background(), d)
		if err == nil {
			t.Fatal("Connect() succeeded, want error")
		}

		want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
		if len(*delays) != len(want) {
			t.Fatalf("observed %d delays, want %d", len(*delays), len(want))
		}
		for i, w := range want {
			if (*delays)[i] != w {
				t.Errorf("delay[%d] = %s, want %s", i, (*delays)[i], w)
			}
		}
	})

	t.Run("exhausted retries surface one aggregated ConnectionError", func(t *testing.T) {
		cfg := testConfig()
		cfg.Network.InstanceIPs["db-src"] = "10.0.0.5"
		m, _ := testManager(cfg)
		m.dial = func(ctx context.Context, dsn string) (Pool, error) {
			return nil, errors.New("dial tcp: connection refused")
		}

		d := Descriptor{Project: "acme-prod", Instance: "db-src", Database: "appdb"}
		_, err := m.Connect(context.Background(), d)

		var connErr *errs.ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("error type = %T, want *errs.ConnectionError", err)
		}
		if connErr.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", connErr.Attempts)
		}
		if connErr.Hint != "refused" {
			t.Errorf("Hint = %q, want %q", connErr.Hint, "refused")
		}
	})
}

func TestConnectPoolReuse(t *testing.T) {
	cfg := testConfig()
	cfg.Network.InstanceIPs["db-src"] = "10.0.0.5"
	m, _ := testManager(cfg)

	dials := 0
	m.dial = func(ctx context.Context, dsn string) (Pool, error) {
		dials++
		return &fakePool{}, nil
	}

	d := Descriptor{Project: "acme-prod", Instance: "db-src", Database: "appdb"}
	ctx := context.Background()

	first, err := m.Connect(ctx, d)
	if err != nil {
		t.Fatalf("first Connect() error: %v", err)
	}
	second, err := m.Connect(ctx, d)
	if err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
	if first != second {
		t.Error("healthy pool was not reused")
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}

	// Break the probe: the pool must be discarded and recreated.
	first.(*fakePool).pingErr = errors.New("connection reset by peer")
	third, err := m.Connect(ctx, d)
	if err != nil {
		t.Fatalf("third Connect() error: %v", err)
	}
	if third == first {
		t.Error("dead pool was reused instead of recreated")
	}
	if !first.(*fakePool).closed {
		t.Error("dead pool was not closed")
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestResolveHost(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(*config.Config)
		desc     Descriptor
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{
			name:     "explicit IP wins",
			setup:    func(c *config.Config) { c.Network.UseProxy = true },
			desc:     Descriptor{Instance: "db-src", IP: "203.0.113.9"},
			wantHost: "203.0.113.9",
			wantPort: 5432,
		},
		{
			name:     "proxy beats instance override",
			setup:    func(c *config.Config) { c.Network.InstanceIPs = map[string]string{"db-src": "10.0.0.5"} },
			desc:     Descriptor{Instance: "db-src", UseProxy: true},
			wantHost: "127.0.0.1",
			wantPort: 5432,
		},
		{
			name:     "instance override",
			setup:    func(c *config.Config) { c.Network.InstanceIPs = map[string]string{"db-src": "10.0.0.5"} },
			desc:     Descriptor{Instance: "db-src"},
			wantHost: "10.0.0.5",
			wantPort: 5432,
		},
		{
			name:     "role override for source",
			setup:    func(c *config.Config) { c.Network.SourceIP = "10.0.0.7" },
			desc:     Descriptor{Instance: "whatever", Role: RoleSource},
			wantHost: "10.0.0.7",
			wantPort: 5432,
		},
		{
			name: "heuristic name match when both overrides present",
			setup: func(c *config.Config) {
				c.Network.SourceIP = "10.0.0.7"
				c.Network.TargetIP = "10.0.0.8"
			},
			desc:     Descriptor{Instance: "pg-target-eu"},
			wantHost: "10.0.0.8",
			wantPort: 5432,
		},
		{
			name:    "nothing resolves",
			setup:   func(c *config.Config) {},
			desc:    Descriptor{Instance: "db-unknown"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.setup(cfg)
			m := NewManager(cfg)

			host, port, err := m.resolveHost(tc.desc)
			if tc.wantErr {
				var connErr *errs.ConnectionError
				if !errors.As(err, &connErr) {
					t.Fatalf("error = %v, want *errs.ConnectionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveHost() error: %v", err)
			}
			if host != tc.wantHost || port != tc.wantPort {
				t.Errorf("resolveHost() = %s:%d, want %s:%d", host, port, tc.wantHost, tc.wantPort)
			}
		})
	}
}

func TestResolvePassword(t *testing.T) {
	cfg := testConfig()
	cfg.Credentials.SourcePassword = "src-pass"
	cfg.Credentials.TargetPassword = "tgt-pass"
	cfg.Credentials.DefaultPassword = "fallback"
	m := NewManager(cfg)

	cases := []struct {
		name string
		desc Descriptor
		want string
	}{
		{"explicit wins", Descriptor{Role: RoleSource, Password: "explicit"}, "explicit"},
		{"source fallback", Descriptor{Role: RoleSource}, "src-pass"},
		{"target fallback", Descriptor{Role: RoleTarget}, "tgt-pass"},
		{"generic fallback for unspecified", Descriptor{Role: RoleUnspecified}, "fallback"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.resolvePassword(tc.desc)
			if err != nil {
				t.Fatalf("resolvePassword() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("resolvePassword() = %q, want %q", got, tc.want)
			}
		})
	}

	t.Run("no password configured is a connection error", func(t *testing.T) {
		empty := testConfig()
		empty.Credentials = config.CredentialsConfig{}
		m := NewManager(empty)
		_, err := m.resolvePassword(Descriptor{Role: RoleSource})
		var connErr *errs.ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("error = %v, want *errs.ConnectionError", err)
		}
		if connErr.Hint != "auth" {
			t.Errorf("Hint = %q, want %q", connErr.Hint, "auth")
		}
	})
}

func TestResolveSSL(t *testing.T) {
	t.Run("strict with cert triple maps to verify-full", func(t *testing.T) {
		cfg := testConfig()
		cfg.SSL = config.SSLConfig{
			Mode: "strict", CACert: "ca.pem", ClientCert: "client.pem", ClientKey: "client.key",
		}
		m := NewManager(cfg)
		mode, params := m.resolveSSL(Descriptor{Instance: "db-src"})
		if mode != "verify-full" {
			t.Errorf("mode = %q, want %q", mode, "verify-full")
		}
		if params["sslrootcert"] != "ca.pem" {
			t.Errorf("sslrootcert = %q, want %q", params["sslrootcert"], "ca.pem")
		}
	})

	t.Run("strict without certs degrades to simple, not disable", func(t *testing.T) {
		cfg := testConfig()
		cfg.SSL.Mode = "strict"
		m := NewManager(cfg)
		mode, _ := m.resolveSSL(Descriptor{Instance: "db-src"})
		if mode != "require" {
			t.Errorf("mode = %q, want %q", mode, "require")
		}
	})

	t.Run("disable passes through", func(t *testing.T) {
		cfg := testConfig()
		cfg.SSL.Mode = "disable"
		m := NewManager(cfg)
		if mode, _ := m.resolveSSL(Descriptor{}); mode != "disable" {
			t.Errorf("mode = %q, want %q", mode, "disable")
		}
	})
}

func TestConnString(t *testing.T) {
	cfg := testConfig()
	cfg.Network.InstanceIPs = map[string]string{"db-src": "10.0.0.5"}
	m := NewManager(cfg)

	d := Descriptor{
		Project: "acme-prod", Instance: "db-src", Database: "appdb",
		User: "migrator", Password: "p@ss/word",
	}
	dsn, err := m.ConnString(d)
	if err != nil {
		t.Fatalf("ConnString() error: %v", err)
	}

	for _, want := range []string{
		"postgres://migrator:",
		"@10.0.0.5:5432/appdb",
		"sslmode=require",
		"connect_timeout=10",
		"pool_max_conns=5",
		"pool_min_conns=1",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn missing %q: %s", want, dsn)
		}
	}
	if strings.Contains(dsn, "p@ss/word") {
		t.Error("password was not escaped in DSN")
	}
}

func TestCloseIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.Network.InstanceIPs = map[string]string{"db-src": "10.0.0.5"}
	m, _ := testManager(cfg)
	m.dial = func(ctx context.Context, dsn string) (Pool, error) { return &fakePool{}, nil }

	d := Descriptor{Project: "acme-prod", Instance: "db-src", Database: "appdb"}
	if _, err := m.Connect(context.Background(), d); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	m.CloseConnection(d)
	m.CloseConnection(d) // second close is a no-op
	m.CloseAll()
	m.CloseAll()
}
