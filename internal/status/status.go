// Package status owns the singleton system_status row: the coordination
// record holding the active program, active zone, and last scheduler run.
// The active-program column doubles as the run token; acquisition is a
// compare-and-swap so two near-simultaneous triggers cannot both start.
package status

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/model"
)

type Manager struct {
	conn *sql.DB
}

func NewManager(conn *sql.DB) *Manager {
	return &Manager{conn: conn}
}

// Get resolves the status row into full records. A dangling id (e.g. a zone
// deleted mid-run) resolves to nil, which readers treat the same as idle.
func (m *Manager) Get() (model.SystemStatus, error) {
	var st model.SystemStatus
	var programID, zoneID, lastRun sql.NullString
	var secondsLeft int

	err := m.conn.QueryRow(`SELECT active_program_id, active_zone_id, active_zone_seconds_left, last_scheduler_run FROM system_status WHERE id = 0`).
		Scan(&programID, &zoneID, &secondsLeft, &lastRun)
	if err != nil {
		return st, fmt.Errorf("failed to read system status: %w", err)
	}

	st.ActiveZoneSecondsLeft = secondsLeft
	if lastRun.Valid {
		st.LastSchedulerRun, _ = time.Parse(time.RFC3339, lastRun.String)
	}
	if programID.Valid {
		if p, err := db.GetProgramByID(m.conn, programID.String); err == nil {
			st.ActiveProgram = p
		}
	}
	if zoneID.Valid {
		if z, err := db.GetZoneByID(m.conn, zoneID.String); err == nil {
			st.ActiveZone = z
		}
	}
	return st, nil
}

// AcquireProgram claims the run token for programID. Returns false without
// mutating anything when another program already holds it.
func (m *Manager) AcquireProgram(programID string) (bool, error) {
	res, err := m.conn.Exec(`UPDATE system_status SET active_program_id = ? WHERE id = 0 AND active_program_id IS NULL`, programID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire run token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseProgram clears the run token, but only when programID still holds
// it. A stop request that already cleared the row makes this a no-op.
func (m *Manager) ReleaseProgram(programID string) error {
	_, err := m.conn.Exec(`UPDATE system_status SET active_program_id = NULL WHERE id = 0 AND active_program_id = ?`, programID)
	if err != nil {
		return fmt.Errorf("failed to release run token: %w", err)
	}
	return nil
}

// ClearActiveRun unconditionally clears both the program token and the
// active zone. Used by explicit stop requests and shutdown.
func (m *Manager) ClearActiveRun() error {
	_, err := m.conn.Exec(`UPDATE system_status SET active_program_id = NULL, active_zone_id = NULL, active_zone_seconds_left = 0 WHERE id = 0`)
	if err != nil {
		return fmt.Errorf("failed to clear active run: %w", err)
	}
	return nil
}

// SetActiveZone marks a zone as running with its full countdown.
func (m *Manager) SetActiveZone(zoneID string, secondsLeft int) error {
	_, err := m.conn.Exec(`UPDATE system_status SET active_zone_id = ?, active_zone_seconds_left = ? WHERE id = 0`, zoneID, secondsLeft)
	if err != nil {
		return fmt.Errorf("failed to set active zone: %w", err)
	}
	return nil
}

// UpdateZoneCountdown writes the remaining seconds for the dashboard, only
// while zoneID is still the active zone. After an external stop this no-ops
// rather than resurrecting the cleared row.
func (m *Manager) UpdateZoneCountdown(zoneID string, secondsLeft int) error {
	_, err := m.conn.Exec(`UPDATE system_status SET active_zone_seconds_left = ? WHERE id = 0 AND active_zone_id = ?`, secondsLeft, zoneID)
	if err != nil {
		return fmt.Errorf("failed to update zone countdown: %w", err)
	}
	return nil
}

// ClearActiveZone clears the active zone, but only when zoneID still is the
// active zone. Safe to call from every deactivation path.
func (m *Manager) ClearActiveZone(zoneID string) error {
	_, err := m.conn.Exec(`UPDATE system_status SET active_zone_id = NULL, active_zone_seconds_left = 0 WHERE id = 0 AND active_zone_id = ?`, zoneID)
	if err != nil {
		return fmt.Errorf("failed to clear active zone: %w", err)
	}
	return nil
}

func (m *Manager) SetLastSchedulerRun(t time.Time) error {
	_, err := m.conn.Exec(`UPDATE system_status SET last_scheduler_run = ? WHERE id = 0`, t.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record scheduler run: %w", err)
	}
	return nil
}
