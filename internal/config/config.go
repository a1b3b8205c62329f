package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration tool
type Config struct {
	Project     string            `yaml:"project"`
	Source      EndpointConfig    `yaml:"source"`
	Target      EndpointConfig    `yaml:"target"`
	Network     NetworkConfig     `yaml:"network"`
	SSL         SSLConfig         `yaml:"ssl"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Pool        PoolConfig        `yaml:"pool"`
	Migration   MigrationConfig   `yaml:"migration"`
	Batch       BatchConfig       `yaml:"batch"`
	Tools       ToolsConfig       `yaml:"tools"`
	Slack       SlackConfig       `yaml:"slack"`
}

// EndpointConfig identifies one Cloud SQL instance endpoint
type EndpointConfig struct {
	Project  string `yaml:"project"` // overrides top-level project
	Instance string `yaml:"instance"`
	Database string `yaml:"database"` // maintenance database (default: postgres)
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	IP       string `yaml:"ip"` // explicit IP, bypasses all other host resolution
}

// NetworkConfig holds host-resolution settings
type NetworkConfig struct {
	UseProxy    bool              `yaml:"use_proxy"`  // connect via Cloud SQL proxy on localhost
	ProxyHost   string            `yaml:"proxy_host"` // default 127.0.0.1
	ProxyPort   int               `yaml:"proxy_port"` // default 5432
	Port        int               `yaml:"port"`       // direct connection port (default 5432)
	InstanceIPs map[string]string `yaml:"instance_ips"`
	SourceIP    string            `yaml:"source_ip"`
	TargetIP    string            `yaml:"target_ip"`
}

// SSLConfig holds TLS settings for direct connections
type SSLConfig struct {
	Mode       string `yaml:"mode"` // disable, simple, strict
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// HasCertTriple reports whether the full certificate set required for
// strict mode is configured.
func (s *SSLConfig) HasCertTriple() bool {
	return s.CACert != "" && s.ClientCert != "" && s.ClientKey != ""
}

// CredentialsConfig holds password fallbacks applied when an endpoint does
// not carry an explicit password.
type CredentialsConfig struct {
	SourcePassword  string `yaml:"source_password"`
	TargetPassword  string `yaml:"target_password"`
	DefaultPassword string `yaml:"default_password"`
}

// PoolConfig bounds each keyed connection pool
type PoolConfig struct {
	MaxConns          int `yaml:"max_conns"`           // default 5
	MinConns          int `yaml:"min_conns"`           // default 1
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"` // default 10
	IdleTimeoutMin    int `yaml:"idle_timeout_min"`    // default 5
}

// MigrationConfig holds per-unit migration behavior settings
type MigrationConfig struct {
	RetryAttempts      int      `yaml:"retry_attempts"` // connection retries (default 3)
	Jobs               int      `yaml:"jobs"`           // pg_restore parallel jobs (default 2)
	SchemaOnly         bool     `yaml:"schema_only"`
	DataOnly           bool     `yaml:"data_only"`
	IncludeAll         bool     `yaml:"include_all"` // migrate every user database on the instance
	UseClean           bool     `yaml:"use_clean"`   // pass --clean to pg_restore
	Compression        int      `yaml:"compression"` // pg_dump -Z level (default 6)
	ExcludeTableData   []string `yaml:"exclude_table_data"`
	UnitTimeoutMin     int      `yaml:"unit_timeout_min"` // 0 = no per-unit timeout
	WorkDir            string   `yaml:"work_dir"`         // dump artifact directory
	ConflictResolution string   `yaml:"conflict_resolution"`
}

// BatchConfig holds batch execution policy
type BatchConfig struct {
	MaxParallel int   `yaml:"max_parallel"`  // default 3
	StopOnError *bool `yaml:"stop_on_error"` // default true
	RetryFailed *bool `yaml:"retry_failed"`  // default true
}

// StopOnErrorEnabled resolves the stop_on_error default
func (b *BatchConfig) StopOnErrorEnabled() bool {
	return b.StopOnError == nil || *b.StopOnError
}

// RetryFailedEnabled resolves the retry_failed default
func (b *BatchConfig) RetryFailedEnabled() bool {
	return b.RetryFailed == nil || *b.RetryFailed
}

// ToolsConfig holds paths to the dump/restore binaries
type ToolsConfig struct {
	PgDump    string `yaml:"pg_dump"`    // default "pg_dump"
	PgRestore string `yaml:"pg_restore"` // default "pg_restore"
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultDataDir returns the default data directory for run-history storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".cloudsql-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// Default returns a config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Source.Project == "" {
		c.Source.Project = c.Project
	}
	if c.Target.Project == "" {
		c.Target.Project = c.Project
	}
	if c.Source.Database == "" {
		c.Source.Database = "postgres"
	}
	if c.Target.Database == "" {
		c.Target.Database = "postgres"
	}
	if c.Source.User == "" {
		c.Source.User = "postgres"
	}
	if c.Target.User == "" {
		c.Target.User = "postgres"
	}

	if c.Network.ProxyHost == "" {
		c.Network.ProxyHost = "127.0.0.1"
	}
	if c.Network.ProxyPort == 0 {
		c.Network.ProxyPort = 5432
	}
	if c.Network.Port == 0 {
		c.Network.Port = 5432
	}

	if c.SSL.Mode == "" {
		c.SSL.Mode = "simple" // secure default, never silently disable
	}

	if c.Pool.MaxConns == 0 {
		c.Pool.MaxConns = 5
	}
	if c.Pool.MinConns == 0 {
		c.Pool.MinConns = 1
	}
	if c.Pool.ConnectTimeoutSec == 0 {
		c.Pool.ConnectTimeoutSec = 10
	}
	if c.Pool.IdleTimeoutMin == 0 {
		c.Pool.IdleTimeoutMin = 5
	}

	if c.Migration.RetryAttempts == 0 {
		c.Migration.RetryAttempts = 3
	}
	if c.Migration.Jobs == 0 {
		c.Migration.Jobs = 2
	}
	if c.Migration.Compression == 0 {
		c.Migration.Compression = 6
	}
	if c.Migration.ConflictResolution == "" {
		c.Migration.ConflictResolution = "fail"
	}
	if c.Migration.WorkDir == "" {
		home, _ := os.UserHomeDir()
		c.Migration.WorkDir = filepath.Join(home, ".cloudsql-migrate", "dumps")
	} else {
		c.Migration.WorkDir = expandTilde(c.Migration.WorkDir)
	}

	if c.Batch.MaxParallel == 0 {
		c.Batch.MaxParallel = 3
	}

	if c.Tools.PgDump == "" {
		c.Tools.PgDump = "pg_dump"
	}
	if c.Tools.PgRestore == "" {
		c.Tools.PgRestore = "pg_restore"
	}
}

var validSSLModes = map[string]bool{"disable": true, "simple": true, "strict": true}

var validConflictPolicies = map[string]bool{
	"fail": true, "prefix": true, "suffix": true, "merge": true, "rename-schema": true,
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if !validSSLModes[c.SSL.Mode] {
		return fmt.Errorf("ssl.mode must be 'disable', 'simple' or 'strict', got %q", c.SSL.Mode)
	}
	if !validConflictPolicies[c.Migration.ConflictResolution] {
		return fmt.Errorf("migration.conflict_resolution must be one of fail, prefix, suffix, merge, rename-schema, got %q", c.Migration.ConflictResolution)
	}
	if c.Migration.SchemaOnly && c.Migration.DataOnly {
		return fmt.Errorf("migration.schema_only and migration.data_only are mutually exclusive")
	}
	if c.Migration.RetryAttempts < 1 {
		return fmt.Errorf("migration.retry_attempts must be at least 1")
	}
	if c.Batch.MaxParallel < 1 {
		return fmt.Errorf("batch.max_parallel must be at least 1")
	}
	return nil
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Source.Password != "" {
		sanitized.Source.Password = "[REDACTED]"
	}
	if sanitized.Target.Password != "" {
		sanitized.Target.Password = "[REDACTED]"
	}
	if sanitized.Credentials.SourcePassword != "" {
		sanitized.Credentials.SourcePassword = "[REDACTED]"
	}
	if sanitized.Credentials.TargetPassword != "" {
		sanitized.Credentials.TargetPassword = "[REDACTED]"
	}
	if sanitized.Credentials.DefaultPassword != "" {
		sanitized.Credentials.DefaultPassword = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}

// Marshal serializes the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
