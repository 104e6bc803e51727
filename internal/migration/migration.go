// Package migration applies versioned schema changes and records them in
// the _schema_migrations table.
package migration

import (
	"fmt"
	"regexp"
	"time"
)

// Migration represents a single database migration.
type Migration struct {
	Version   string    // Timestamp version (YYYYMMDDHHmmss)
	Name      string    // Human-readable name
	SQL       string    // SQL statements to execute
	AppliedAt time.Time // When migration was applied (zero if pending)
}

// ID returns "version_name".
func (m Migration) ID() string {
	return fmt.Sprintf("%s_%s", m.Version, m.Name)
}

var versionRegex = regexp.MustCompile(`^\d{14}$`)

// Validate checks the version format and that there is something to run.
func (m Migration) Validate() error {
	if !versionRegex.MatchString(m.Version) {
		return fmt.Errorf("invalid migration version %q, want YYYYMMDDHHmmss", m.Version)
	}
	if m.Name == "" {
		return fmt.Errorf("migration %s has no name", m.Version)
	}
	if m.SQL == "" {
		return fmt.Errorf("migration %s has no SQL", m.ID())
	}
	return nil
}
