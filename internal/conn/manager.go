package conn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgops/cloudsql-migrate/internal/config"
	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// baseDelay is the backoff unit: the delay before attempt k (k>1) is
// baseDelay * 2^(k-2).
const baseDelay = 1000 * time.Millisecond

// Pool is the subset of pgxpool.Pool the manager hands out.
type Pool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type dialFunc func(ctx context.Context, dsn string) (Pool, error)

func dialPgx(ctx context.Context, dsn string) (Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	return pgxpool.NewWithConfig(ctx, poolConfig)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// poolEntry is the single pool for one descriptor key. Access is serialized
// through the entry mutex so two units hitting the same key never race on
// probe/recreate.
type poolEntry struct {
	mu   sync.Mutex
	pool Pool
}

// Manager owns one pooled connection per (project, instance, database) key.
// Pools are created lazily, probed before reuse, and recreated on failure.
type Manager struct {
	cfg *config.Config

	mu      sync.Mutex
	entries map[string]*poolEntry

	dial  dialFunc
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a connection manager over the given configuration.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:     cfg,
		entries: make(map[string]*poolEntry),
		dial:    dialPgx,
		sleep:   sleepCtx,
	}
}

func (m *Manager) entry(key string) *poolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &poolEntry{}
		m.entries[key] = e
	}
	return e
}

// Connect returns a live pooled handle for the descriptor. An existing pool
// is probed with a cheap round-trip first; on probe failure it is discarded
// and recreated with retry.
func (m *Manager) Connect(ctx context.Context, d Descriptor) (Pool, error) {
	return m.ConnectWithAttempts(ctx, d, m.cfg.Migration.RetryAttempts)
}

// ConnectWithAttempts is Connect with an explicit retry budget (per-unit
// options may override the configured default).
func (m *Manager) ConnectWithAttempts(ctx context.Context, d Descriptor, attempts int) (Pool, error) {
	if attempts < 1 {
		attempts = 1
	}
	key := d.Key()
	e := m.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pool != nil {
		if err := e.pool.Ping(ctx); err == nil {
			logging.Debug("Reusing pooled connection for %s", key)
			return e.pool, nil
		}
		logging.Warn("Pooled connection for %s failed liveness probe, recreating", key)
		e.pool.Close()
		e.pool = nil
	}

	dsn, err := m.ConnString(d)
	if err != nil {
		return nil, err
	}

	pool, err := m.connectWithRetry(ctx, key, dsn, attempts)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return pool, nil
}

func (m *Manager) connectWithRetry(ctx context.Context, key, dsn string, attempts int) (Pool, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := baseDelay * (1 << (attempt - 2))
			logging.Info("Retrying connection to %s in %s (attempt %d/%d)", key, delay, attempt, attempts)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, err
			}
		} else {
			logging.Debug("Connecting to %s (attempt %d/%d)", key, attempt, attempts)
		}

		pool, err := m.dial(ctx, dsn)
		if err == nil {
			if perr := pool.Ping(ctx); perr == nil {
				return pool, nil
			} else {
				pool.Close()
				err = perr
			}
		}
		lastErr = err
		logging.Warn("Connection attempt %d/%d to %s failed: %v", attempt, attempts, key, err)
	}

	return nil, &errs.ConnectionError{
		Key:      key,
		Hint:     errs.ClassifyConnection(lastErr),
		Attempts: attempts,
		Err:      lastErr,
	}
}

// Endpoint is a fully resolved connection target, consumable by the
// dump/restore tooling as well as the pool itself.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

// ResolveEndpoint resolves host, port and credential for a descriptor
// without opening a connection.
func (m *Manager) ResolveEndpoint(d Descriptor) (Endpoint, error) {
	host, port, err := m.resolveHost(d)
	if err != nil {
		return Endpoint{}, err
	}
	password, err := m.resolvePassword(d)
	if err != nil {
		return Endpoint{}, err
	}
	user := d.User
	if user == "" {
		user = "postgres"
	}
	return Endpoint{Host: host, Port: port, User: user, Password: password}, nil
}

// ConnString resolves the descriptor into a pgx pool connection string:
// host, credentials and SSL mode, plus the pool bounds from configuration.
func (m *Manager) ConnString(d Descriptor) (string, error) {
	ep, err := m.ResolveEndpoint(d)
	if err != nil {
		return "", err
	}

	sslMode, sslParams := m.resolveSSL(d)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(ep.User), url.QueryEscape(ep.Password), ep.Host, ep.Port, d.Database,
		sslMode, m.cfg.Pool.ConnectTimeoutSec)
	for k, v := range sslParams {
		dsn += fmt.Sprintf("&%s=%s", k, url.QueryEscape(v))
	}
	dsn += fmt.Sprintf("&pool_max_conns=%d&pool_min_conns=%d&pool_max_conn_idle_time=%dm",
		m.cfg.Pool.MaxConns, m.cfg.Pool.MinConns, m.cfg.Pool.IdleTimeoutMin)

	return dsn, nil
}

// resolveHost picks the connection host in priority order: explicit IP,
// Cloud SQL proxy localhost, instance-specific override, role-specific
// override, then a heuristic match on the instance name.
func (m *Manager) resolveHost(d Descriptor) (string, int, error) {
	net := &m.cfg.Network

	if d.IP != "" {
		logging.Debug("Host for %s: explicit IP %s", d.Key(), d.IP)
		return d.IP, net.Port, nil
	}

	if d.UseProxy || net.UseProxy {
		logging.Debug("Host for %s: Cloud SQL proxy %s:%d", d.Key(), net.ProxyHost, net.ProxyPort)
		return net.ProxyHost, net.ProxyPort, nil
	}

	if ip, ok := net.InstanceIPs[d.Instance]; ok && ip != "" {
		logging.Debug("Host for %s: instance override %s", d.Key(), ip)
		return ip, net.Port, nil
	}

	switch d.Role {
	case RoleSource:
		if net.SourceIP != "" {
			logging.Debug("Host for %s: source override %s", d.Key(), net.SourceIP)
			return net.SourceIP, net.Port, nil
		}
	case RoleTarget:
		if net.TargetIP != "" {
			logging.Debug("Host for %s: target override %s", d.Key(), net.TargetIP)
			return net.TargetIP, net.Port, nil
		}
	}

	// Both overrides present but the role gave no answer: match on the
	// instance name.
	if net.SourceIP != "" && net.TargetIP != "" {
		if ip, ok := matchInstanceName(d.Instance, net.SourceIP, net.TargetIP); ok {
			logging.Debug("Host for %s: matched by instance name -> %s", d.Key(), ip)
			return ip, net.Port, nil
		}
	}

	return "", 0, &errs.ConnectionError{
		Key:  d.Key(),
		Hint: "not-found",
		Err:  fmt.Errorf("no host resolved for instance %q (set an IP override or enable the proxy)", d.Instance),
	}
}

// resolvePassword picks the credential in priority order: explicit,
// role-specific fallback, generic fallback.
func (m *Manager) resolvePassword(d Descriptor) (string, error) {
	if d.Password != "" {
		return d.Password, nil
	}
	creds := &m.cfg.Credentials
	switch d.Role {
	case RoleSource:
		if creds.SourcePassword != "" {
			logging.Debug("Password for %s: source fallback", d.Key())
			return creds.SourcePassword, nil
		}
	case RoleTarget:
		if creds.TargetPassword != "" {
			logging.Debug("Password for %s: target fallback", d.Key())
			return creds.TargetPassword, nil
		}
	}
	if creds.DefaultPassword != "" {
		logging.Debug("Password for %s: generic fallback", d.Key())
		return creds.DefaultPassword, nil
	}
	return "", &errs.ConnectionError{
		Key:  d.Key(),
		Hint: "auth",
		Err:  fmt.Errorf("no password configured for %s role", d.Role),
	}
}

// resolveSSL maps the configured SSL mode onto libpq parameters. Strict mode
// without a complete certificate triple degrades to simple with a warning,
// never silently to disable.
func (m *Manager) resolveSSL(d Descriptor) (string, map[string]string) {
	ssl := &m.cfg.SSL
	switch ssl.Mode {
	case "disable":
		return "disable", nil
	case "strict":
		if ssl.HasCertTriple() {
			return "verify-full", map[string]string{
				"sslrootcert": ssl.CACert,
				"sslcert":     ssl.ClientCert,
				"sslkey":      ssl.ClientKey,
			}
		}
		logging.Warn("SSL mode 'strict' requires ca_cert, client_cert and client_key; falling back to 'simple' for %s", d.Key())
		return "require", nil
	default: // simple
		return "require", nil
	}
}

// matchInstanceName resolves the source/target overrides by looking for a
// role marker in the instance name.
func matchInstanceName(instance, sourceIP, targetIP string) (string, bool) {
	name := strings.ToLower(instance)
	for _, marker := range []string{"source", "src", "primary", "old"} {
		if strings.Contains(name, marker) {
			return sourceIP, true
		}
	}
	for _, marker := range []string{"target", "tgt", "dest", "replica", "new"} {
		if strings.Contains(name, marker) {
			return targetIP, true
		}
	}
	return "", false
}

// CloseConnection releases the pooled handle for the descriptor, if any.
// Idempotent.
func (m *Manager) CloseConnection(d Descriptor) {
	m.mu.Lock()
	e, ok := m.entries[d.Key()]
	if ok {
		delete(m.entries, d.Key())
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool != nil {
		e.pool.Close()
		e.pool = nil
	}
}

// CloseAll releases every pooled handle. Idempotent.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*poolEntry)
	m.mu.Unlock()

	for key, e := range entries {
		e.mu.Lock()
		if e.pool != nil {
			e.pool.Close()
			e.pool = nil
			logging.Debug("Closed pooled connection for %s", key)
		}
		e.mu.Unlock()
	}
}
