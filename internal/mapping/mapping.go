// Package mapping resolves a migration strategy into a concrete,
// conflict-free list of migration units. All naming decisions happen here;
// downstream components treat the unit list as final.
package mapping

import (
	"fmt"
	"sort"

	"github.com/pgops/cloudsql-migrate/internal/conn"
	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// Strategy selects how sources are assigned to targets.
type Strategy string

const (
	StrategySimple          Strategy = "simple"
	StrategyConsolidate     Strategy = "consolidate"
	StrategyDistribute      Strategy = "distribute"
	StrategyReplicate       Strategy = "replicate"
	StrategyVersionBased    Strategy = "version-based"
	StrategyRoundRobin      Strategy = "round-robin"
	StrategySplitByDatabase Strategy = "split-by-database"
	StrategyManual          Strategy = "manual"
	StrategyCustom          Strategy = "custom"
)

// ConflictPolicy disambiguates target database names when multiple sources
// would collide on the same target instance.
type ConflictPolicy string

const (
	ConflictFail         ConflictPolicy = "fail"
	ConflictPrefix       ConflictPolicy = "prefix"
	ConflictSuffix       ConflictPolicy = "suffix"
	ConflictMerge        ConflictPolicy = "merge"
	ConflictRenameSchema ConflictPolicy = "rename-schema"
)

// UnitOptions are the per-unit execution options fixed at mapping time.
type UnitOptions struct {
	DryRun        bool
	SchemaOnly    bool
	DataOnly      bool
	RetryAttempts int
	Jobs          int
	UseClean      bool
}

// DatabasePair is one source→target database assignment within a unit.
type DatabasePair struct {
	Source       string
	Target       string
	TargetSchema string // set by the rename-schema policy
}

// Unit is one resolved source→target migration job.
type Unit struct {
	Source    conn.Descriptor
	Target    conn.Descriptor
	Databases []DatabasePair
	Options   UnitOptions
}

// Source describes one source instance and its selected databases.
type Source struct {
	Descriptor    conn.Descriptor
	Databases     []string
	EngineVersion string // consumed by the version-based strategy
}

// Target describes one target instance. Databases restricts which source
// databases a distribute mapping sends here.
type Target struct {
	Descriptor conn.Descriptor
	Databases  []string
}

// Resolver is a caller-supplied function for the custom strategy.
type Resolver func(req *Request) ([]Unit, error)

// Request is the input to Resolve.
type Request struct {
	Strategy Strategy
	Sources  []Source
	Targets  []Target
	Conflict ConflictPolicy
	Options  UnitOptions

	// Rules maps database name to target instance name, for split-by-database.
	Rules map[string]string

	// Units is the explicit list for the manual strategy.
	Units []Unit

	// Resolve is the caller-supplied resolver for the custom strategy.
	Resolve Resolver
}

// Resolve turns the request into an ordered, conflict-free unit list.
func Resolve(req *Request) ([]Unit, error) {
	if req.Conflict == "" {
		req.Conflict = ConflictFail
	}

	var units []Unit
	var err error
	switch req.Strategy {
	case StrategySimple:
		units, err = resolveSimple(req)
	case StrategyConsolidate:
		units, err = resolveConsolidate(req)
	case StrategyDistribute:
		units, err = resolveDistribute(req)
	case StrategyReplicate:
		units, err = resolveReplicate(req)
	case StrategyVersionBased:
		units, err = resolveVersionBased(req)
	case StrategyRoundRobin:
		units, err = resolveRoundRobin(req)
	case StrategySplitByDatabase:
		units, err = resolveSplitByDatabase(req)
	case StrategyManual:
		units, err = resolveManual(req)
	case StrategyCustom:
		units, err = resolveCustom(req)
	default:
		return nil, errs.Validationf("unknown mapping strategy %q", req.Strategy)
	}
	if err != nil {
		return nil, err
	}

	units, err = resolveConflicts(units, req.Conflict)
	if err != nil {
		return nil, err
	}
	if err := verifyUnique(units, req.Conflict); err != nil {
		return nil, err
	}

	logging.Debug("Resolved %q mapping into %d units", req.Strategy, len(units))
	return units, nil
}

func resolveSimple(req *Request) ([]Unit, error) {
	if len(req.Sources) != 1 || len(req.Targets) != 1 {
		return nil, errs.Validationf("simple strategy requires exactly one source and one target, got %d/%d",
			len(req.Sources), len(req.Targets))
	}
	src := req.Sources[0]
	if len(src.Databases) == 0 {
		return nil, errs.Validationf("no databases selected on source %s", src.Descriptor.Instance)
	}
	return []Unit{unitFor(src, req.Targets[0], src.Databases, req.Options)}, nil
}

func resolveConsolidate(req *Request) ([]Unit, error) {
	if len(req.Sources) < 2 {
		return nil, errs.Validationf("consolidate strategy requires at least two sources, got %d", len(req.Sources))
	}
	if len(req.Targets) != 1 {
		return nil, errs.Validationf("consolidate strategy requires exactly one target, got %d", len(req.Targets))
	}
	units := make([]Unit, 0, len(req.Sources))
	for _, src := range req.Sources {
		units = append(units, unitFor(src, req.Targets[0], src.Databases, req.Options))
	}
	return units, nil
}

func resolveDistribute(req *Request) ([]Unit, error) {
	if len(req.Sources) != 1 {
		return nil, errs.Validationf("distribute strategy requires exactly one source, got %d", len(req.Sources))
	}
	if len(req.Targets) < 2 {
		return nil, errs.Validationf("distribute strategy requires at least two targets, got %d", len(req.Targets))
	}
	src := req.Sources[0]
	available := make(map[string]bool, len(src.Databases))
	for _, db := range src.Databases {
		available[db] = true
	}

	units := make([]Unit, 0, len(req.Targets))
	for _, tgt := range req.Targets {
		if len(tgt.Databases) == 0 {
			return nil, errs.Validationf("distribute strategy requires a database subset for target %s", tgt.Descriptor.Instance)
		}
		for _, db := range tgt.Databases {
			if !available[db] {
				return nil, errs.Validationf("database %q assigned to target %s is not present on source %s",
					db, tgt.Descriptor.Instance, src.Descriptor.Instance)
			}
		}
		units = append(units, unitFor(src, tgt, tgt.Databases, req.Options))
	}
	return units, nil
}

func resolveReplicate(req *Request) ([]Unit, error) {
	if len(req.Sources) != 1 {
		return nil, errs.Validationf("replicate strategy requires exactly one source, got %d", len(req.Sources))
	}
	if len(req.Targets) < 1 {
		return nil, errs.Validationf("replicate strategy requires at least one target")
	}
	src := req.Sources[0]
	units := make([]Unit, 0, len(req.Targets))
	for _, tgt := range req.Targets {
		units = append(units, unitFor(src, tgt, src.Databases, req.Options))
	}
	return units, nil
}

func resolveVersionBased(req *Request) ([]Unit, error) {
	if len(req.Sources) == 0 {
		return nil, errs.Validationf("version-based strategy requires at least one source")
	}
	groups := make(map[string][]Source)
	for _, src := range req.Sources {
		if src.EngineVersion == "" {
			return nil, errs.Validationf("source %s has no detected engine version", src.Descriptor.Instance)
		}
		groups[src.EngineVersion] = append(groups[src.EngineVersion], src)
	}

	versions := make([]string, 0, len(groups))
	for v := range groups {
		versions = append(versions, v)
	}
	sort.Strings(versions)

	if len(req.Targets) < len(versions) {
		return nil, errs.Validationf("version-based strategy needs %d targets for %d version groups, got %d",
			len(versions), len(versions), len(req.Targets))
	}

	var units []Unit
	for i, v := range versions {
		tgt := req.Targets[i]
		logging.Debug("Version group %s -> target %s (%d sources)", v, tgt.Descriptor.Instance, len(groups[v]))
		for _, src := range groups[v] {
			units = append(units, unitFor(src, tgt, src.Databases, req.Options))
		}
	}
	return units, nil
}

func resolveRoundRobin(req *Request) ([]Unit, error) {
	if len(req.Sources) == 0 || len(req.Targets) == 0 {
		return nil, errs.Validationf("round-robin strategy requires at least one source and one target")
	}
	units := make([]Unit, 0, len(req.Sources))
	for i, src := range req.Sources {
		tgt := req.Targets[i%len(req.Targets)]
		units = append(units, unitFor(src, tgt, src.Databases, req.Options))
	}
	return units, nil
}

func resolveSplitByDatabase(req *Request) ([]Unit, error) {
	if len(req.Sources) != 1 {
		return nil, errs.Validationf("split-by-database strategy requires exactly one source, got %d", len(req.Sources))
	}
	if len(req.Rules) == 0 {
		return nil, errs.Validationf("split-by-database strategy requires per-database rules")
	}
	src := req.Sources[0]

	targetsByName := make(map[string]Target, len(req.Targets))
	for _, tgt := range req.Targets {
		targetsByName[tgt.Descriptor.Instance] = tgt
	}

	assigned := make(map[string][]string) // target instance -> databases
	for _, db := range src.Databases {
		instance, ok := req.Rules[db]
		if !ok {
			return nil, errs.Validationf("no rule assigns database %q to a target", db)
		}
		if _, ok := targetsByName[instance]; !ok {
			return nil, errs.Validationf("rule for database %q names unknown target instance %q", db, instance)
		}
		assigned[instance] = append(assigned[instance], db)
	}

	// Units follow the declared target order for determinism.
	var units []Unit
	for _, tgt := range req.Targets {
		dbs := assigned[tgt.Descriptor.Instance]
		if len(dbs) == 0 {
			continue
		}
		units = append(units, unitFor(src, tgt, dbs, req.Options))
	}
	return units, nil
}

func resolveManual(req *Request) ([]Unit, error) {
	if len(req.Units) == 0 {
		return nil, errs.Validationf("manual strategy requires an explicit unit list")
	}
	return req.Units, nil
}

func resolveCustom(req *Request) ([]Unit, error) {
	if req.Resolve == nil {
		return nil, errs.Validationf("custom strategy requires a resolver function")
	}
	return req.Resolve(req)
}

func unitFor(src Source, tgt Target, databases []string, opts UnitOptions) Unit {
	pairs := make([]DatabasePair, 0, len(databases))
	for _, db := range databases {
		pairs = append(pairs, DatabasePair{Source: db, Target: db})
	}
	return Unit{
		Source:    src.Descriptor.WithRole(conn.RoleSource),
		Target:    tgt.Descriptor.WithRole(conn.RoleTarget),
		Databases: pairs,
		Options:   opts,
	}
}

func (u Unit) String() string {
	return fmt.Sprintf("%s -> %s (%d databases)", u.Source.Instance, u.Target.Instance, len(u.Databases))
}
