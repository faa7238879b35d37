// Package sqlite provides local persistence for the shell: saved
// preference snapshots and the slot transition journal. One database file,
// migrated on open.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/tessera/internal/log"
)

// DB wraps the SQLite connection with migration management.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if needed) the database at dbPath and brings the
// schema up to date. An existing database is copied to dbPath.bak before
// migrations run.
func NewDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.ErrorErr(log.CatDB, "Failed to create database directory", err, "dir", dir)
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	backupBeforeMigration(dbPath)

	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=foreign_keys(on)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.ErrorErr(log.CatDB, "Failed to open database", err, "path", dbPath)
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		log.ErrorErr(log.CatDB, "Failed to ping database", err, "path", dbPath)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		log.ErrorErr(log.CatDB, "Migrations failed", err, "path", dbPath)
		return nil, err
	}

	log.Info(log.CatDB, "Database ready", "path", dbPath)
	return &DB{conn: conn, path: dbPath}, nil
}

// backupBeforeMigration copies an existing, non-empty database file aside
// so a bad migration can be rolled back by hand. Best effort.
func backupBeforeMigration(dbPath string) {
	info, err := os.Stat(dbPath)
	if err != nil || info.Size() == 0 {
		return
	}
	data, err := os.ReadFile(dbPath)
	if err != nil {
		log.Warn(log.CatDB, "Could not read database for backup", "path", dbPath, "error", err)
		return
	}
	backupPath := dbPath + ".bak"
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		log.Warn(log.CatDB, "Could not write database backup", "path", backupPath, "error", err)
		return
	}
	log.Debug(log.CatDB, "Database backed up before migration", "path", backupPath)
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Connection returns the underlying *sql.DB.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Preferences returns the saved-preferences repository.
func (d *DB) Preferences() *PreferencesRepository {
	return newPreferencesRepository(d.conn)
}

// Journal returns the slot transition journal repository.
func (d *DB) Journal() *JournalRepository {
	return newJournalRepository(d.conn)
}
