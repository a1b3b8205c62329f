package mapping

import (
	"fmt"

	"github.com/pgops/cloudsql-migrate/internal/errs"
	"github.com/pgops/cloudsql-migrate/internal/logging"
)

// targetKey identifies the collision scope: the same database name on two
// different target instances is not a conflict.
func targetKey(u Unit, database string) string {
	return u.Target.Key() + "/" + database
}

// resolveConflicts rewrites colliding target database names according to the
// policy. Units and pairs are visited in source order, so the first occupant
// of a name keeps it.
func resolveConflicts(units []Unit, policy ConflictPolicy) ([]Unit, error) {
	seen := make(map[string]int) // collision key -> occurrences so far

	for ui := range units {
		for pi := range units[ui].Databases {
			pair := &units[ui].Databases[pi]
			key := targetKey(units[ui], pair.Target)
			seen[key]++
			n := seen[key]
			if n == 1 {
				continue
			}

			switch policy {
			case ConflictFail:
				return nil, errs.Validationf("target database %q on %s is produced by multiple sources (conflict_resolution=fail)",
					pair.Target, units[ui].Target.Instance)

			case ConflictPrefix:
				// Probe until free: a source may already occupy the prefixed name.
				renamed := units[ui].Source.Instance + "_" + pair.Target
				for i := 2; seen[targetKey(units[ui], renamed)] > 0; i++ {
					renamed = fmt.Sprintf("%s_%s_%d", units[ui].Source.Instance, pair.Target, i)
				}
				logging.Debug("Conflict on %q: prefixed to %q", pair.Target, renamed)
				pair.Target = renamed
				seen[targetKey(units[ui], renamed)]++

			case ConflictSuffix:
				// Probe past suffixes another source already occupies.
				renamed := fmt.Sprintf("%s_%d", pair.Target, n)
				for seen[targetKey(units[ui], renamed)] > 0 {
					n++
					renamed = fmt.Sprintf("%s_%d", pair.Target, n)
				}
				logging.Debug("Conflict on %q: suffixed to %q", pair.Target, renamed)
				pair.Target = renamed
				seen[targetKey(units[ui], renamed)]++

			case ConflictMerge:
				// Multiple sources restore into the same database. Schema
				// compatibility is the caller's responsibility.
				logging.Warn("Merging multiple sources into target database %q on %s", pair.Target, units[ui].Target.Instance)

			case ConflictRenameSchema:
				pair.TargetSchema = units[ui].Source.Instance
				logging.Debug("Conflict on %q: importing into schema %q", pair.Target, pair.TargetSchema)

			default:
				return nil, errs.Validationf("unknown conflict resolution policy %q", policy)
			}
		}
	}
	return units, nil
}

// verifyUnique checks the resolved list holds no residual collisions. Merge
// and rename-schema intentionally share a database, so the check keys on
// (database, schema) for those.
func verifyUnique(units []Unit, policy ConflictPolicy) error {
	if policy == ConflictMerge {
		return nil
	}
	seen := make(map[string]bool)
	for _, u := range units {
		for _, pair := range u.Databases {
			key := targetKey(u, pair.Target) + "#" + pair.TargetSchema
			if seen[key] {
				return errs.Validationf("mapping resolution left a duplicate target %q on %s", pair.Target, u.Target.Instance)
			}
			seen[key] = true
		}
	}
	return nil
}
