package conn

import "fmt"

// Role marks which side of a migration a descriptor belongs to.
type Role int

const (
	RoleUnspecified Role = iota
	RoleSource
	RoleTarget
)

// String returns the string representation of a role
func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleTarget:
		return "target"
	default:
		return "unspecified"
	}
}

// Descriptor identifies one database on one Cloud SQL instance, plus the
// inputs needed to resolve a connection to it. Identity key is
// (project, instance, database).
type Descriptor struct {
	Project  string
	Instance string
	Database string
	Role     Role

	// Host-resolution inputs
	IP       string // explicit IP, wins over every other resolution rule
	UseProxy bool

	User     string
	Password string
}

// Key returns the pool identity key for this descriptor.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s:%s:%s", d.Project, d.Instance, d.Database)
}

// WithDatabase returns a copy of the descriptor pointing at another database
// on the same instance.
func (d Descriptor) WithDatabase(name string) Descriptor {
	d.Database = name
	return d
}

// WithRole returns a copy of the descriptor with the given role.
func (d Descriptor) WithRole(r Role) Descriptor {
	d.Role = r
	return d
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%s/%s", d.Project, d.Instance, d.Database)
}
