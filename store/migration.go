package store

import (
	"fmt"
	"regexp"
)

// Migration is one versioned schema step. Versions start at 1 and are
// applied in ascending order; a backend records each applied version so
// Setup only runs what is missing.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Pending returns the migrations newer than current, in order.
func Pending(migrations []Migration, current int) []Migration {
	var out []Migration
	for _, m := range migrations {
		if m.Version > current {
			out = append(out, m)
		}
	}
	return out
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,47}$`)

// TableName returns name, or "checkpoints" when empty. Names are
// interpolated into SQL, so anything but a plain identifier is rejected.
func TableName(name string) (string, error) {
	if name == "" {
		return "checkpoints", nil
	}
	if !tableNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
