package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/padenj/irrigation-controller/internal/model"
)

// GetAllZones retrieves all zones ordered by name.
func GetAllZones(conn *sql.DB) ([]model.Zone, error) {
	rows, err := conn.Query(`SELECT id, name, enabled, gpio_port, moisture_level, moisture_channel FROM zones ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		var z model.Zone
		err = rows.Scan(&z.ID, &z.Name, &z.Enabled, &z.GPIOPort, &z.MoistureLevel, &z.MoistureChannel)
		if err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// GetZoneByID retrieves a specific zone by its ID.
func GetZoneByID(conn *sql.DB, id string) (*model.Zone, error) {
	var z model.Zone
	err := conn.QueryRow(`SELECT id, name, enabled, gpio_port, moisture_level, moisture_channel FROM zones WHERE id = ?`, id).
		Scan(&z.ID, &z.Name, &z.Enabled, &z.GPIOPort, &z.MoistureLevel, &z.MoistureChannel)
	if err != nil {
		return nil, fmt.Errorf("failed to get zone %s: %w", id, err)
	}
	return &z, nil
}

// GetAllPrograms retrieves all programs with their zone sequences.
func GetAllPrograms(conn *sql.DB) ([]model.Program, error) {
	rows, err := conn.Query(`SELECT id, name, enabled, start_time, days_of_week, next_run, last_run FROM programs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query programs: %w", err)
	}
	defer rows.Close()

	var programs []model.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		programs = append(programs, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range programs {
		zones, err := getProgramZones(conn, programs[i].ID)
		if err != nil {
			return nil, err
		}
		programs[i].Zones = zones
	}
	return programs, nil
}

// GetProgramByID retrieves a single program with its zone sequence.
func GetProgramByID(conn *sql.DB, id string) (*model.Program, error) {
	row := conn.QueryRow(`SELECT id, name, enabled, start_time, days_of_week, next_run, last_run FROM programs WHERE id = ?`, id)
	p, err := scanProgram(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get program %s: %w", id, err)
	}
	zones, err := getProgramZones(conn, p.ID)
	if err != nil {
		return nil, err
	}
	p.Zones = zones
	return p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProgram(row rowScanner) (*model.Program, error) {
	var p model.Program
	var days string
	var nextRun, lastRun sql.NullString

	err := row.Scan(&p.ID, &p.Name, &p.Enabled, &p.StartTime, &days, &nextRun, &lastRun)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(days), &p.DaysOfWeek)
	p.NextScheduledRunTime = parseNullableTime(nextRun)
	p.LastRunTime = parseNullableTime(lastRun)
	return &p, nil
}

func getProgramZones(conn *sql.DB, programID string) ([]model.ProgramZone, error) {
	rows, err := conn.Query(`SELECT zone_id, duration_seconds FROM program_zones WHERE program_id = ? ORDER BY position`, programID)
	if err != nil {
		return nil, fmt.Errorf("failed to query program zones: %w", err)
	}
	defer rows.Close()

	var zones []model.ProgramZone
	for rows.Next() {
		var pz model.ProgramZone
		if err := rows.Scan(&pz.ZoneID, &pz.DurationSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan program zone: %w", err)
		}
		zones = append(zones, pz)
	}
	return zones, rows.Err()
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}
