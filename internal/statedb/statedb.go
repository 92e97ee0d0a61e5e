package statedb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/factorio-deck/factorio-deck/internal/server"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database holding server records and controller
// heartbeats. Safe for concurrent use; several processes may share the file
// through WAL mode and the busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
	now func() time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// PRAGMAs below are per connection; a single connection keeps them in
	// effect for every statement.
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid(), now: time.Now}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB, for tests.
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS servers (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			version        TEXT NOT NULL DEFAULT '',
			executable     TEXT NOT NULL,
			args           TEXT NOT NULL DEFAULT '[]',
			working_dir    TEXT NOT NULL DEFAULT '',
			channel_id     TEXT NOT NULL DEFAULT '',
			update_command TEXT NOT NULL DEFAULT '',
			update_args    TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL DEFAULT 'Unknown',
			updated_at     INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create servers: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS controller_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("statedb: create heartbeats: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Server records ---

const serverColumns = `id, name, description, version, executable, args, working_dir,
	channel_id, update_command, update_args, status, updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// SaveServer inserts or replaces the definition of a server. The stored
// status is kept when the row already exists.
func (s *StateDB) SaveServer(d server.InstanceData) error {
	return s.saveServer(s.db, d)
}

func (s *StateDB) saveServer(x execer, d server.InstanceData) error {
	args, err := json.Marshal(nonNil(d.Args))
	if err != nil {
		return err
	}
	updateArgs, err := json.Marshal(nonNil(d.UpdateArgs))
	if err != nil {
		return err
	}
	_, err = x.Exec(`
		INSERT INTO servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			executable = excluded.executable,
			args = excluded.args,
			working_dir = excluded.working_dir,
			channel_id = excluded.channel_id,
			update_command = excluded.update_command,
			update_args = excluded.update_args
	`,
		d.ID, d.Name, d.Description, d.Version, d.Executable, string(args), d.WorkingDir,
		d.ChannelID, d.UpdateCommand, string(updateArgs), d.Status.String(), s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("statedb: save server %s: %w", d.ID, err)
	}
	return nil
}

// SyncServers makes the stored definitions match defs in one transaction:
// rows not in defs are removed, the rest are upserted.
func (s *StateDB) SyncServers(defs []server.InstanceData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(defs) == 0 {
		if _, err := tx.Exec("DELETE FROM servers"); err != nil {
			return err
		}
	} else {
		placeholders := make([]string, len(defs))
		args := make([]any, len(defs))
		for i, d := range defs {
			placeholders[i] = "?"
			args[i] = d.ID
		}
		query := "DELETE FROM servers WHERE id NOT IN (" + strings.Join(placeholders, ",") + ")"
		if _, err := tx.Exec(query, args...); err != nil {
			return err
		}
	}

	for _, d := range defs {
		if err := s.saveServer(tx, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (server.InstanceData, error) {
	var (
		d                server.InstanceData
		args, updateArgs string
		status           string
		updatedUnix      int64
	)
	if err := row.Scan(
		&d.ID, &d.Name, &d.Description, &d.Version, &d.Executable, &args, &d.WorkingDir,
		&d.ChannelID, &d.UpdateCommand, &updateArgs, &status, &updatedUnix,
	); err != nil {
		return d, err
	}
	if err := json.Unmarshal([]byte(args), &d.Args); err != nil {
		return d, fmt.Errorf("statedb: server %s args: %w", d.ID, err)
	}
	if err := json.Unmarshal([]byte(updateArgs), &d.UpdateArgs); err != nil {
		return d, fmt.Errorf("statedb: server %s update args: %w", d.ID, err)
	}
	st, err := server.ParseStatus(status)
	if err != nil {
		st = server.StatusUnknown
	}
	d.Status = st
	if updatedUnix > 0 {
		d.UpdatedAt = time.Unix(updatedUnix, 0)
	}
	return d, nil
}

// LoadServers returns all stored servers ordered by id.
func (s *StateDB) LoadServers() ([]server.InstanceData, error) {
	rows, err := s.db.Query("SELECT " + serverColumns + " FROM servers ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []server.InstanceData
	for rows.Next() {
		d, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// GetServer returns the stored server with the given id.
func (s *StateDB) GetServer(id string) (server.InstanceData, error) {
	row := s.db.QueryRow("SELECT "+serverColumns+" FROM servers WHERE id = ?", id)
	d, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("statedb: server %s: %w", id, server.ErrNotFound)
	}
	return d, err
}

// TryGetServerInstanceData returns the stored server and whether it exists.
// Read errors count as missing.
func (s *StateDB) TryGetServerInstanceData(id string) (server.InstanceData, bool) {
	d, err := s.GetServer(id)
	if err != nil {
		return server.InstanceData{}, false
	}
	return d, true
}

// SaveStatus records the last known status of a server.
func (s *StateDB) SaveStatus(id string, st server.Status) error {
	res, err := s.db.Exec(
		"UPDATE servers SET status = ?, updated_at = ? WHERE id = ?",
		st.String(), s.now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("statedb: save status %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("statedb: save status %s: %w", id, server.ErrNotFound)
	}
	return nil
}

// DeleteServer removes a server by id.
func (s *StateDB) DeleteServer(id string) error {
	_, err := s.db.Exec("DELETE FROM servers WHERE id = ?", id)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
