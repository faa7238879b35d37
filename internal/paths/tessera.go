// Package paths resolves the runtime's state directory.
package paths

import (
	"os"
	"path/filepath"
)

// StateDirName is the project-local directory holding config, database, and
// logs.
const StateDirName = ".tessera"

// ResolveStateDir normalizes a user-supplied path into the state directory.
// Accepts the project directory, the state directory itself, or a directory
// that already holds state data:
//
//   - "/path/to/project"          -> "/path/to/project/.tessera"
//   - "/path/to/project/.tessera" -> "/path/to/project/.tessera"
//   - "/path/to/state-data"       (contains tessera.db) -> "/path/to/state-data"
//   - ""                          -> "./.tessera"
func ResolveStateDir(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)

	if filepath.Base(path) == StateDirName {
		return path
	}

	// A directory already holding the database is used as-is, so
	// TESSERA_STATE_DIR can point straight at relocated state data.
	if _, err := os.Stat(filepath.Join(path, "tessera.db")); err == nil {
		return path
	}

	return filepath.Join(path, StateDirName)
}
