package db

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/internal/config"
)

func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return conn, nil
}

// EnsureSchema creates all tables and the singleton status row. Idempotent.
func EnsureSchema(conn *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			gpio_port INTEGER NOT NULL,
			moisture_level INTEGER NOT NULL DEFAULT 0,
			moisture_channel INTEGER NOT NULL DEFAULT -1
		)`,
		`CREATE TABLE IF NOT EXISTS programs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			start_time TEXT NOT NULL,
			days_of_week TEXT NOT NULL,
			next_run TEXT,
			last_run TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS program_zones (
			program_id TEXT NOT NULL REFERENCES programs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			zone_id TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			PRIMARY KEY (program_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS system_status (
			id INTEGER PRIMARY KEY CHECK(id=0),
			active_program_id TEXT,
			active_zone_id TEXT,
			active_zone_seconds_left INTEGER NOT NULL DEFAULT 0,
			last_scheduler_run TEXT
		)`,
	}

	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	// The status row exists exactly once, initialized with nulls.
	_, err := conn.Exec(`INSERT OR IGNORE INTO system_status (id) VALUES (0)`)
	if err != nil {
		return fmt.Errorf("failed to insert status row: %w", err)
	}
	return nil
}

// SeedZones bootstraps zone records from config on a fresh database. Once any
// zone exists the dashboard owns the records and the seed list is ignored.
func SeedZones(conn *sql.DB, zones []config.SeedZone) error {
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM zones`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count zones: %w", err)
	}
	if count > 0 {
		return nil
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	for _, z := range zones {
		channel := -1
		if z.MoistureChannel != nil {
			channel = *z.MoistureChannel
		}
		_, err = tx.Exec(`INSERT INTO zones (id, name, enabled, gpio_port, moisture_level, moisture_channel) VALUES (?, ?, ?, ?, 0, ?)`,
			uuid.NewString(), z.Name, z.Enabled, z.GPIOPort, channel)
		if err != nil {
			return fmt.Errorf("failed to insert zone %s: %w", z.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	log.Info().Int("zones", len(zones)).Msg("Seeded zones from config")
	return nil
}

func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
