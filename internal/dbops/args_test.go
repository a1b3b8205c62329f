package dbops

import (
	"reflect"
	"testing"

	"github.com/pgops/cloudsql-migrate/internal/conn"
)

var testEndpoint = conn.Endpoint{Host: "10.0.0.5", Port: 5432, User: "postgres", Password: "pw"}

func TestBuildDumpArgs(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "defaults",
			opts: Options{Compression: 6},
			want: []string{
				"--host", "10.0.0.5", "--port", "5432", "--username", "postgres",
				"--dbname", "orders", "--format", "custom", "--no-password",
				"--verbose", "--file", "/tmp/orders.dump", "--compress", "6",
			},
		},
		{
			name: "schema only with exclusions",
			opts: Options{SchemaOnly: true, ExcludeTableData: []string{"audit_log", "events"}},
			want: []string{
				"--host", "10.0.0.5", "--port", "5432", "--username", "postgres",
				"--dbname", "orders", "--format", "custom", "--no-password",
				"--verbose", "--file", "/tmp/orders.dump", "--schema-only",
				"--exclude-table-data", "audit_log", "--exclude-table-data", "events",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildDumpArgs(testEndpoint, "orders", "/tmp/orders.dump", tc.opts)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("BuildDumpArgs() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildRestoreArgs(t *testing.T) {
	got := BuildRestoreArgs(testEndpoint, "orders", "/tmp/orders.dump", Options{UseClean: true, Jobs: 4})

	want := []string{
		"--host", "10.0.0.5", "--port", "5432", "--username", "postgres",
		"--dbname", "orders", "--no-password", "--verbose",
		"--no-owner", "--no-acl", "--no-privileges", "--no-comments",
		"--clean", "--if-exists", "--jobs", "4",
		"/tmp/orders.dump",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildRestoreArgs() = %v, want %v", got, want)
	}

	// Ownership and ACL stripping is unconditional.
	plain := BuildRestoreArgs(testEndpoint, "orders", "/tmp/orders.dump", Options{})
	for _, flag := range []string{"--no-owner", "--no-acl", "--no-privileges", "--no-comments"} {
		found := false
		for _, a := range plain {
			if a == flag {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("BuildRestoreArgs() missing %s", flag)
		}
	}
}
