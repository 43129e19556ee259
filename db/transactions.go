package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/padenj/irrigation-controller/internal/model"
)

// CreateZone inserts a new zone and returns it with a generated ID.
func CreateZone(conn *sql.DB, z model.Zone) (*model.Zone, error) {
	z.ID = uuid.NewString()
	_, err := conn.Exec(`INSERT INTO zones (id, name, enabled, gpio_port, moisture_level, moisture_channel) VALUES (?, ?, ?, ?, ?, ?)`,
		z.ID, z.Name, z.Enabled, z.GPIOPort, z.MoistureLevel, z.MoistureChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to insert zone: %w", err)
	}
	return &z, nil
}

// UpdateZone rewrites a zone's user-editable fields.
func UpdateZone(conn *sql.DB, z model.Zone) error {
	res, err := conn.Exec(`UPDATE zones SET name = ?, enabled = ?, gpio_port = ?, moisture_channel = ? WHERE id = ?`,
		z.Name, z.Enabled, z.GPIOPort, z.MoistureChannel, z.ID)
	if err != nil {
		return fmt.Errorf("failed to update zone %s: %w", z.ID, err)
	}
	return requireRow(res, "zone", z.ID)
}

func DeleteZone(conn *sql.DB, id string) error {
	res, err := conn.Exec(`DELETE FROM zones WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", id, err)
	}
	return requireRow(res, "zone", id)
}

// UpdateZoneMoisture records the latest accepted sensor reading for a zone.
func UpdateZoneMoisture(conn *sql.DB, id string, percent int) error {
	_, err := conn.Exec(`UPDATE zones SET moisture_level = ? WHERE id = ?`, percent, id)
	if err != nil {
		return fmt.Errorf("failed to update zone moisture: %w", err)
	}
	return nil
}

// CreateProgram inserts a program and its zone sequence in one transaction.
func CreateProgram(conn *sql.DB, p model.Program) (*model.Program, error) {
	p.ID = uuid.NewString()

	tx, err := conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO programs (id, name, enabled, start_time, days_of_week, next_run, last_run) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Enabled, p.StartTime, marshalJSON(p.DaysOfWeek),
		formatNullableTime(p.NextScheduledRunTime), formatNullableTime(p.LastRunTime))
	if err != nil {
		return nil, fmt.Errorf("failed to insert program: %w", err)
	}
	if err := insertProgramZones(tx, p.ID, p.Zones); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit program insert: %w", err)
	}
	return &p, nil
}

// UpdateProgram rewrites a program's user-editable fields and zone sequence.
// The derived schedule columns are left alone; callers recompute them via
// UpdateProgramNextRun.
func UpdateProgram(conn *sql.DB, p model.Program) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE programs SET name = ?, enabled = ?, start_time = ?, days_of_week = ? WHERE id = ?`,
		p.Name, p.Enabled, p.StartTime, marshalJSON(p.DaysOfWeek), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update program %s: %w", p.ID, err)
	}
	if err := requireRow(res, "program", p.ID); err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM program_zones WHERE program_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to clear program zones: %w", err)
	}
	if err := insertProgramZones(tx, p.ID, p.Zones); err != nil {
		return err
	}

	return tx.Commit()
}

func DeleteProgram(conn *sql.DB, id string) error {
	res, err := conn.Exec(`DELETE FROM programs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete program %s: %w", id, err)
	}
	return requireRow(res, "program", id)
}

// UpdateProgramNextRun persists a recomputed next scheduled run time.
func UpdateProgramNextRun(conn *sql.DB, id string, next *time.Time) error {
	_, err := conn.Exec(`UPDATE programs SET next_run = ? WHERE id = ?`, formatNullableTime(next), id)
	if err != nil {
		return fmt.Errorf("failed to update program next run: %w", err)
	}
	return nil
}

// UpdateProgramSchedule records a run start: the recomputed next run and the
// run timestamp, in one statement.
func UpdateProgramSchedule(conn *sql.DB, id string, next *time.Time, lastRun time.Time) error {
	_, err := conn.Exec(`UPDATE programs SET next_run = ?, last_run = ? WHERE id = ?`,
		formatNullableTime(next), lastRun.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update program schedule: %w", err)
	}
	return nil
}

func insertProgramZones(tx *sql.Tx, programID string, zones []model.ProgramZone) error {
	for i, pz := range zones {
		_, err := tx.Exec(`INSERT INTO program_zones (program_id, position, zone_id, duration_seconds) VALUES (?, ?, ?, ?)`,
			programID, i, pz.ZoneID, pz.DurationSeconds)
		if err != nil {
			return fmt.Errorf("failed to insert program zone %d: %w", i, err)
		}
	}
	return nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}

// SetZoneEnabledCLI flips a zone's enabled flag from the debug CLI.
func SetZoneEnabledCLI(dbPath, zoneID string, enabled bool) error {
	conn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	res, err := conn.Exec(`UPDATE zones SET enabled = ? WHERE id = ?`, enabled, zoneID)
	if err != nil {
		return fmt.Errorf("failed to update zone enabled: %w", err)
	}
	return requireRow(res, "zone", zoneID)
}
