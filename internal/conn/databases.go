package conn

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// System and maintenance databases never offered for migration.
var systemDatabases = map[string]bool{
	"postgres":          true,
	"rdsadmin":          true,
	"azure_maintenance": true,
	"cloudsqladmin":     true,
}

var systemPrefixes = []string{"pg_", "template", "cloudsql"}

// ListDatabases returns the user databases on the descriptor's instance,
// ascending, with system and template names filtered out.
func (m *Manager) ListDatabases(ctx context.Context, d Descriptor) ([]string, error) {
	pool, err := m.Connect(ctx, d)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, "SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname")
	if err != nil {
		return nil, fmt.Errorf("listing databases on %s: %w", d.Key(), err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning database name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing databases on %s: %w", d.Key(), err)
	}

	filtered := FilterDatabases(names)
	logging.Debug("Instance %s: %d databases (%d after system filter)", d.Instance, len(names), len(filtered))
	return filtered, nil
}

// FilterDatabases drops system/template databases from the list and returns
// the remainder in ascending order. Matching is case-insensitive; the
// returned names keep their original casing.
func FilterDatabases(names []string) []string {
	var out []string
	for _, name := range names {
		if isSystemDatabase(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isSystemDatabase(name string) bool {
	folded := strings.ToLower(name)
	if systemDatabases[folded] {
		return true
	}
	for _, prefix := range systemPrefixes {
		if strings.HasPrefix(folded, prefix) {
			return true
		}
	}
	return false
}

// DatabaseSize returns the on-disk size in bytes of one database.
func (m *Manager) DatabaseSize(ctx context.Context, d Descriptor, database string) (int64, error) {
	pool, err := m.Connect(ctx, d)
	if err != nil {
		return 0, err
	}
	var size int64
	if err := pool.QueryRow(ctx, "SELECT pg_database_size($1)", database).Scan(&size); err != nil {
		return 0, fmt.Errorf("sizing database %q on %s: %w", database, d.Instance, err)
	}
	return size, nil
}

// ServerVersion returns the server version string of the instance.
func (m *Manager) ServerVersion(ctx context.Context, d Descriptor) (string, error) {
	pool, err := m.Connect(ctx, d)
	if err != nil {
		return "", err
	}
	var version string
	if err := pool.QueryRow(ctx, "SHOW server_version").Scan(&version); err != nil {
		return "", fmt.Errorf("reading server version of %s: %w", d.Instance, err)
	}
	return version, nil
}

// DatabaseExists reports whether a database is present on the instance.
func (m *Manager) DatabaseExists(ctx context.Context, d Descriptor, database string) (bool, error) {
	pool, err := m.Connect(ctx, d)
	if err != nil {
		return false, err
	}
	var exists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", database).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking database %q on %s: %w", database, d.Instance, err)
	}
	return exists, nil
}
