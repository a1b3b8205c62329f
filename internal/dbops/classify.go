package dbops

import (
	"regexp"
	"strings"
)

// LineClass is the classification of one line of dump/restore output.
type LineClass int

const (
	// ClassProgress is informational output (object names, verbose chatter)
	ClassProgress LineClass = iota
	// ClassWarning is a non-fatal warning worth logging
	ClassWarning
	// ClassIgnorable is an error line covered by a known-harmless category
	ClassIgnorable
	// ClassFatal is error output not covered by any category
	ClassFatal
)

func (c LineClass) String() string {
	switch c {
	case ClassProgress:
		return "progress"
	case ClassWarning:
		return "warning"
	case ClassIgnorable:
		return "ignorable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// WarningCategory names one known-harmless class of restore errors. The
// categories are data: adding a newly observed harmless message means adding
// an entry here, not logic anywhere else.
type WarningCategory struct {
	Name    string
	Pattern *regexp.Regexp
}

// ignorableCategories covers the restore errors produced by dumping from an
// instance whose roles and grants do not exist on the target. Ownership,
// ACL, privilege and comment failures are expected when restoring with
// --no-owner/--no-acl against a managed instance; the session-parameter
// category appears once per connection during initialization.
var ignorableCategories = []WarningCategory{
	{Name: "ownership", Pattern: regexp.MustCompile(`(?i)(must be owner of|OWNER TO|role ".*" does not exist)`)},
	{Name: "acl", Pattern: regexp.MustCompile(`(?i)(GRANT|REVOKE|no privileges could be revoked|no privileges were granted|ACL)`)},
	{Name: "comment", Pattern: regexp.MustCompile(`(?i)COMMENT ON `)},
	{Name: "session-parameter", Pattern: regexp.MustCompile(`(?i)unrecognized configuration parameter`)},
	{Name: "ignored-summary", Pattern: regexp.MustCompile(`(?i)errors ignored on restore: \d+`)},
}

var (
	errorLine   = regexp.MustCompile(`(?i)(^|: )(error|fatal|could not|failed)`)
	warningLine = regexp.MustCompile(`(?i)(^|: )warning`)
)

// ClassifyLine classifies one line of pg_dump/pg_restore stderr. The same
// classifier serves both operations so "ignorable" has a single source of
// truth. It returns the matched category name for ignorable lines.
func ClassifyLine(line string) (LineClass, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ClassProgress, ""
	}

	for _, cat := range ignorableCategories {
		if cat.Pattern.MatchString(trimmed) {
			return ClassIgnorable, cat.Name
		}
	}

	if errorLine.MatchString(trimmed) {
		return ClassFatal, ""
	}
	if warningLine.MatchString(trimmed) {
		return ClassWarning, ""
	}
	return ClassProgress, ""
}

// FatalLines returns the lines of output classified fatal. A nonzero exit
// with no fatal lines is tolerated by the import path.
func FatalLines(lines []string) []string {
	var fatal []string
	for _, line := range lines {
		if class, _ := ClassifyLine(line); class == ClassFatal {
			fatal = append(fatal, strings.TrimSpace(line))
		}
	}
	return fatal
}
