// Package inventory reads Cloud SQL instance metadata through the SQL Admin
// API: names, engine versions, state, regions and IP addresses. Used for
// instance discovery and for feeding the version-based mapping strategy.
package inventory

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1"

	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// Instance is the metadata slice the engine cares about.
type Instance struct {
	Name            string
	Project         string
	Region          string
	State           string
	DatabaseVersion string
	IPAddresses     map[string]string // type (PRIMARY, PRIVATE, OUTGOING) -> address
}

// PrimaryIP returns the instance's public address, falling back to private.
func (i *Instance) PrimaryIP() string {
	if ip := i.IPAddresses["PRIMARY"]; ip != "" {
		return ip
	}
	return i.IPAddresses["PRIVATE"]
}

// Client wraps the SQL Admin service.
type Client struct {
	svc *sqladmin.Service
}

// Option configures the client.
type Option func(*options)

type options struct {
	clientOpts []option.ClientOption
}

// WithTokenSource overrides the default application credentials.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, option.WithTokenSource(ts))
	}
}

// WithEndpoint points the client at a non-default API endpoint; used in
// tests against a local fake.
func WithEndpoint(url string) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, option.WithEndpoint(url), option.WithoutAuthentication())
	}
}

// NewClient creates an inventory client using application default
// credentials unless a token source is supplied.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	svc, err := sqladmin.NewService(ctx, o.clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating SQL Admin client: %w", err)
	}
	return &Client{svc: svc}, nil
}

// List returns all Cloud SQL instances in the project.
func (c *Client) List(ctx context.Context, project string) ([]Instance, error) {
	var out []Instance
	call := c.svc.Instances.List(project).Context(ctx)
	err := call.Pages(ctx, func(page *sqladmin.InstancesListResponse) error {
		for _, item := range page.Items {
			out = append(out, fromAPI(item))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing instances in %s: %w", project, err)
	}
	logging.Debug("Project %s: %d Cloud SQL instances", project, len(out))
	return out, nil
}

// Get returns metadata for one instance.
func (c *Client) Get(ctx context.Context, project, instance string) (*Instance, error) {
	item, err := c.svc.Instances.Get(project, instance).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetching instance %s/%s: %w", project, instance, err)
	}
	inst := fromAPI(item)
	return &inst, nil
}

func fromAPI(item *sqladmin.DatabaseInstance) Instance {
	ips := make(map[string]string, len(item.IpAddresses))
	for _, addr := range item.IpAddresses {
		ips[addr.Type] = addr.IpAddress
	}
	return Instance{
		Name:            item.Name,
		Project:         item.Project,
		Region:          item.Region,
		State:           item.State,
		DatabaseVersion: item.DatabaseVersion,
		IPAddresses:     ips,
	}
}
