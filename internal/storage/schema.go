// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage implements BackingOverlay: the physical, durable
// persistence layer beneath the Overlay facade (spec.md §4.1), plus the
// InodeMetadataTable it delegates mode/timestamp storage to (spec.md
// §4.1, "external collaborator").
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SchemaVersion identifies the on-disk layout of the overlay database.
const SchemaVersion = "1"

// DefaultBusyTimeout is the default SQLite busy_timeout, in milliseconds.
const DefaultBusyTimeout = 30000

// EnvBusyTimeoutVar overrides DefaultBusyTimeout when set to a positive
// integer.
const EnvBusyTimeoutVar = "VCSOVERLAY_BUSY_TIMEOUT"

// GetBusyTimeout returns the busy_timeout to use for new connections:
// the environment override if set and valid, else DefaultBusyTimeout.
func GetBusyTimeout() int {
	if n := parseBusyTimeoutEnv(strings.TrimSpace(envBusyTimeout())); n > 0 {
		return n
	}
	return DefaultBusyTimeout
}

// envBusyTimeout reads EnvBusyTimeoutVar from the environment.
func envBusyTimeout() string {
	return os.Getenv(EnvBusyTimeoutVar)
}

// BuildDSN builds the SQLite DSN for the overlay database file at path,
// with WAL journaling and the given busy_timeout baked in via PRAGMA
// parameters (some drivers honor these in the DSN; applyPragmas below
// re-applies them explicitly since libsql ignores DSN-based _pragma
// parameters).
func BuildDSN(path string, busyTimeoutMillis int) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, busyTimeoutMillis)
}

// execPragma runs a PRAGMA statement using Query, since libsql returns
// rows for PRAGMA statements and Exec would fail.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// applyPragmas sets the PRAGMAs an overlay database needs after opening
// a libsql connection. libsql ignores DSN _pragma=value parameters, so
// every PRAGMA must be re-applied explicitly.
func applyPragmas(db *sql.DB, busyTimeoutMillis int) error {
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign_keys: %w", err)
	}
	return nil
}

// overlaySchema creates the five tables BackingOverlay needs: a
// schema_info key/value table, directory records, file bodies, the
// InodeMetadataTable, and the single info row
// (next_inode_number + clean-shutdown marker). Kept as one small schema
// with no versioned history: an overlay entry is either materialized
// (in dir_records/file_bodies) or it isn't present at all.
const overlaySchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dir_records (
    inode INTEGER PRIMARY KEY,
    entries BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS file_bodies (
    inode INTEGER PRIMARY KEY,
    data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS inode_metadata (
    inode INTEGER PRIMARY KEY,
    mode INTEGER NOT NULL,
    atime INTEGER NOT NULL,
    mtime INTEGER NOT NULL,
    ctime INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS overlay_info (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    next_inode_number INTEGER NOT NULL,
    clean_shutdown INTEGER NOT NULL DEFAULT 0
);
`

// execStatements executes a semicolon-separated SQL script one
// statement at a time: libsql's driver does not support multi-statement
// Exec calls.
func execStatements(db *sql.DB, script string) error {
	for _, stmt := range splitStatements(script) {
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// parseBusyTimeoutEnv parses the busy-timeout environment override; it
// returns 0 if unset or invalid, signaling "use the default".
func parseBusyTimeoutEnv(val string) int {
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
