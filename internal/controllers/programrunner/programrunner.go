// Package programrunner sequences a program's zones through the zone runner.
// The active-program column of the status row is the run token: it is
// claimed by compare-and-swap before anything else mutates, re-checked
// before each zone, and cleared on every exit path.
package programrunner

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/datadog"
	"github.com/padenj/irrigation-controller/internal/schedule"
	"github.com/padenj/irrigation-controller/internal/status"
)

// ZoneRunner is implemented by zonerunner.Runner.
type ZoneRunner interface {
	Run(zoneID string, durationSeconds int) error
	Stop(zoneID string) error
}

type Runner struct {
	conn   *sql.DB
	status *status.Manager
	zones  ZoneRunner
	clock  clockwork.Clock
	loc    *time.Location
}

func New(conn *sql.DB, st *status.Manager, zones ZoneRunner, clock clockwork.Clock, loc *time.Location) *Runner {
	return &Runner{conn: conn, status: st, zones: zones, clock: clock, loc: loc}
}

// Start runs a program to completion. An unknown program id is an error with
// no state mutation; a program that loses the run token mid-sequence stops
// early without error. When another run already holds the token this is a
// benign no-op.
func (r *Runner) Start(programID string) error {
	program, err := db.GetProgramByID(r.conn, programID)
	if err != nil {
		log.Error().Err(err).Str("program_id", programID).Msg("Cannot start unknown program")
		return err
	}

	acquired, err := r.status.AcquireProgram(program.ID)
	if err != nil {
		log.Error().Err(err).Str("program", program.Name).Msg("Failed to acquire run token")
		return err
	}
	if !acquired {
		log.Info().Str("program", program.Name).Msg("A program run is already in progress, not starting")
		return nil
	}
	defer func() {
		if err := r.status.ReleaseProgram(program.ID); err != nil {
			log.Error().Err(err).Str("program", program.Name).Msg("Failed to release run token")
		}
	}()

	now := r.clock.Now().In(r.loc)

	// Recompute the next slot with today excluded so the slot that just
	// fired is not re-selected on the next tick.
	next, err := schedule.NextRunTime(*program, now, true)
	if err != nil {
		log.Error().Err(err).Str("program", program.Name).Msg("Failed to compute next run time")
	}
	if err := db.UpdateProgramSchedule(r.conn, program.ID, next, now); err != nil {
		log.Error().Err(err).Str("program", program.Name).Msg("Failed to record run schedule")
	}

	log.Info().
		Str("program", program.Name).
		Int("zones", len(program.Zones)).
		Msg("Program run started")
	datadog.Count("program.run.started", 1, fmt.Sprintf("program:%s", program.Name))

	aborted := false
	for _, pz := range program.Zones {
		st, err := r.status.Get()
		if err != nil {
			log.Error().Err(err).Str("program", program.Name).Msg("Failed to read status mid-run")
			break
		}
		if st.ActiveProgram == nil || st.ActiveProgram.ID != program.ID {
			log.Warn().Str("program", program.Name).Msg("Program run aborted externally")
			aborted = true
			break
		}

		// Zone-level failures (unknown or disabled zone) do not abort the
		// rest of the sequence.
		if err := r.zones.Run(pz.ZoneID, pz.DurationSeconds); err != nil {
			log.Error().Err(err).Str("program", program.Name).Str("zone_id", pz.ZoneID).Msg("Zone run failed, continuing with next zone")
		}
	}

	elapsed := r.clock.Now().In(r.loc).Sub(now)
	if aborted {
		datadog.Count("program.run.aborted", 1, fmt.Sprintf("program:%s", program.Name))
	} else {
		datadog.Timing("program.run.duration", elapsed, fmt.Sprintf("program:%s", program.Name))
		log.Info().Str("program", program.Name).Dur("elapsed", elapsed).Msg("Program run completed")
	}
	return nil
}

// StopActive aborts the in-progress run, if any. Every zone of the active
// program gets a relay-off (idempotent, so zones that never started are
// harmless), then both status fields are cleared.
func (r *Runner) StopActive() error {
	st, err := r.status.Get()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read status for stop request")
		return err
	}
	if st.ActiveProgram == nil {
		log.Info().Msg("No active program to stop")
		return nil
	}

	program := st.ActiveProgram
	log.Info().Str("program", program.Name).Msg("Stopping active program")

	for _, pz := range program.Zones {
		if err := r.zones.Stop(pz.ZoneID); err != nil {
			log.Error().Err(err).Str("zone_id", pz.ZoneID).Msg("Failed to stop zone during program stop")
		}
	}

	if err := r.status.ClearActiveRun(); err != nil {
		log.Error().Err(err).Str("program", program.Name).Msg("Failed to clear active run")
		return err
	}

	datadog.Count("program.run.stopped", 1, fmt.Sprintf("program:%s", program.Name))
	return nil
}
