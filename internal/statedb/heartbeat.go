package statedb

import (
	"fmt"
	"time"
)

// Controllers sharing a state directory elect one primary through the
// controller_heartbeats table. Only the primary owns the wrapper socket.

// RegisterController records this process as a running controller.
func (s *StateDB) RegisterController() error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO controller_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE controller_heartbeats SET heartbeat = ? WHERE pid = ?",
		s.now().Unix(), s.pid,
	)
	return err
}

// UnregisterController removes this process from the heartbeat table.
func (s *StateDB) UnregisterController() error {
	_, err := s.db.Exec("DELETE FROM controller_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadControllers removes heartbeat entries older than timeout.
func (s *StateDB) CleanDeadControllers(timeout time.Duration) error {
	cutoff := s.now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM controller_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// ElectPrimary attempts to make this controller the primary. It reports
// whether this process is the primary afterwards.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := s.now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE controller_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM controller_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}

	if _, err := tx.Exec(
		"UPDATE controller_heartbeats SET is_primary = 1 WHERE pid = ?",
		s.pid,
	); err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec(
		"UPDATE controller_heartbeats SET is_primary = 0 WHERE pid = ?",
		s.pid,
	)
	return err
}
