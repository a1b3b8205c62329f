package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	sqladmin "google.golang.org/api/sqladmin/v1"
)

func TestPrimaryIP(t *testing.T) {
	cases := []struct {
		name string
		ips  map[string]string
		want string
	}{
		{"public preferred", map[string]string{"PRIMARY": "34.1.2.3", "PRIVATE": "10.0.0.2"}, "34.1.2.3"},
		{"private fallback", map[string]string{"PRIVATE": "10.0.0.2"}, "10.0.0.2"},
		{"no addresses", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inst := Instance{IPAddresses: tc.ips}
			if got := inst.PrimaryIP(); got != tc.want {
				t.Errorf("PrimaryIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestListAgainstLocalEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&sqladmin.InstancesListResponse{
			Items: []*sqladmin.DatabaseInstance{
				{
					Name:            "src-db",
					Project:         "p",
					Region:          "us-central1",
					State:           "RUNNABLE",
					DatabaseVersion: "POSTGRES_15",
					IpAddresses:     []*sqladmin.IpMapping{{Type: "PRIMARY", IpAddress: "34.1.2.3"}},
				},
				{
					Name:            "tgt-db",
					Project:         "p",
					Region:          "us-central1",
					State:           "RUNNABLE",
					DatabaseVersion: "POSTGRES_15",
				},
			},
		})
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := NewClient(ctx, WithEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}

	instances, err := client.List(ctx, "p")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("got %d instances, want 2", len(instances))
	}
	if instances[0].Name != "src-db" || instances[0].PrimaryIP() != "34.1.2.3" {
		t.Errorf("instances[0] = %+v", instances[0])
	}
	if instances[1].Name != "tgt-db" || instances[1].DatabaseVersion != "POSTGRES_15" {
		t.Errorf("instances[1] = %+v", instances[1])
	}
}

func TestFromAPI(t *testing.T) {
	item := &sqladmin.DatabaseInstance{
		Name:            "src-db",
		Project:         "p",
		Region:          "us-central1",
		State:           "RUNNABLE",
		DatabaseVersion: "POSTGRES_15",
		IpAddresses: []*sqladmin.IpMapping{
			{Type: "PRIMARY", IpAddress: "34.1.2.3"},
			{Type: "PRIVATE", IpAddress: "10.0.0.2"},
		},
	}
	got := fromAPI(item)
	if got.Name != "src-db" || got.DatabaseVersion != "POSTGRES_15" || got.Region != "us-central1" {
		t.Errorf("fromAPI() = %+v", got)
	}
	if got.IPAddresses["PRIMARY"] != "34.1.2.3" {
		t.Errorf("PRIMARY ip = %q, want 34.1.2.3", got.IPAddresses["PRIMARY"])
	}
}
