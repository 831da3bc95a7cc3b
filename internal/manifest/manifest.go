// Package manifest tracks which source files have already been converted,
// keyed by source path with a content checksum, so re-runs skip unchanged
// inputs unless overwriting is requested.
package manifest

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS files (
	path         TEXT PRIMARY KEY,
	checksum     TEXT NOT NULL DEFAULT '',
	dest         TEXT NOT NULL DEFAULT '',
	converted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Entry is one converted source file.
type Entry struct {
	Path        string
	Checksum    string
	Dest        string
	ConvertedAt time.Time
}

// DB wraps a sql.DB with manifest operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the manifest database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("manifest: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("manifest: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("manifest: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Upsert records a converted source file.
func (db *DB) Upsert(e Entry) error {
	_, err := db.conn.Exec(`
		INSERT INTO files (path, checksum, dest, converted_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			checksum = excluded.checksum,
			dest = excluded.dest,
			converted_at = CURRENT_TIMESTAMP`,
		e.Path, e.Checksum, e.Dest)
	if err != nil {
		return fmt.Errorf("manifest: upsert %s: %w", e.Path, err)
	}
	return nil
}

// Checksum returns the recorded checksum for a source path, empty when the
// path was never converted.
func (db *DB) Checksum(path string) (string, error) {
	var sum string
	err := db.conn.QueryRow(`SELECT checksum FROM files WHERE path = ?`, path).Scan(&sum)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("manifest: checksum %s: %w", path, err)
	}
	return sum, nil
}

// Skip reports whether a source file with this checksum was already
// converted. Always false when overwrite is set.
func (db *DB) Skip(path, checksum string, overwrite bool) (bool, error) {
	if overwrite {
		return false, nil
	}
	sum, err := db.Checksum(path)
	if err != nil {
		return false, err
	}
	return sum != "" && sum == checksum, nil
}

// AllChecksums returns every recorded path → checksum pair.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM files`)
	if err != nil {
		return nil, fmt.Errorf("manifest: all checksums: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, sum string
		if err := rows.Scan(&path, &sum); err != nil {
			return nil, err
		}
		out[path] = sum
	}
	return out, rows.Err()
}

// Delete removes a source path from the manifest.
func (db *DB) Delete(path string) error {
	_, err := db.conn.Exec(`DELETE FROM files WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("manifest: delete %s: %w", path, err)
	}
	return nil
}
