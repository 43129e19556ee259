package model

import "time"

// ValidGPIOPorts is the set of BCM pins broken out to the relay board header.
// Ports outside this set are rejected at config load and by the API.
var ValidGPIOPorts = map[int]bool{
	4: true, 5: true, 6: true, 12: true, 13: true, 16: true,
	17: true, 19: true, 20: true, 21: true, 22: true, 23: true,
	24: true, 25: true, 26: true, 27: true,
}

func IsValidGPIOPort(port int) bool {
	return ValidGPIOPorts[port]
}

type Zone struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	GPIOPort        int    `json:"gpio_port"`
	MoistureLevel   int    `json:"moisture_level"`   // percent, 0-100
	MoistureChannel int    `json:"moisture_channel"` // ADC channel, -1 when no sensor fitted
}

// ProgramZone is one step of a program: which zone to water and for how long.
type ProgramZone struct {
	ZoneID          string `json:"zone_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

type Program struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Enabled    bool          `json:"enabled"`
	StartTime  string        `json:"start_time"`   // "HH:MM", local time
	DaysOfWeek []int         `json:"days_of_week"` // Sunday=0, kept sorted
	Zones      []ProgramZone `json:"zones"`

	// NextScheduledRunTime is derived; recomputed after every run and by the
	// daily refresh. Never set directly by the user.
	NextScheduledRunTime *time.Time `json:"next_scheduled_run_time"`
	LastRunTime          *time.Time `json:"last_run_time"`
}

// SystemStatus is the singleton coordination row (id fixed at 0). A non-nil
// ActiveProgram is the run token: it means a program run is in progress and
// gates any second run from starting.
type SystemStatus struct {
	ActiveProgram         *Program  `json:"active_program"`
	ActiveZone            *Zone     `json:"active_zone"`
	ActiveZoneSecondsLeft int       `json:"active_zone_seconds_left"`
	LastSchedulerRun      time.Time `json:"last_scheduler_run"`
}
