// Package scheduler decides, on each tick, whether a program run should
// start, and maintains every program's derived next-run time. Ticks arrive
// on an external cadence and may be skipped or delayed; due-ness is computed
// from absolute timestamps, so gaps are tolerated.
package scheduler

import (
	"database/sql"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/datadog"
	"github.com/padenj/irrigation-controller/internal/model"
	"github.com/padenj/irrigation-controller/internal/schedule"
	"github.com/padenj/irrigation-controller/internal/status"
)

// ProgramStarter is implemented by programrunner.Runner.
type ProgramStarter interface {
	Start(programID string) error
}

type Scheduler struct {
	conn   *sql.DB
	status *status.Manager
	runner ProgramStarter
	clock  clockwork.Clock
	loc    *time.Location
}

func New(conn *sql.DB, st *status.Manager, runner ProgramStarter, clock clockwork.Clock, loc *time.Location) *Scheduler {
	return &Scheduler{conn: conn, status: st, runner: runner, clock: clock, loc: loc}
}

// RunTick is the scheduler entry point, invoked by cron every tick interval.
// It never panics or returns an error: all failures are logged and the next
// tick gets another chance.
func (s *Scheduler) RunTick() {
	now := s.clock.Now().In(s.loc)
	datadog.Count("scheduler.tick", 1)

	if err := s.status.SetLastSchedulerRun(now); err != nil {
		log.Error().Err(err).Msg("Failed to record scheduler run")
	}

	st, err := s.status.Get()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read status on tick")
		return
	}
	if st.ActiveProgram != nil {
		// A run is in progress; never preempt it.
		log.Debug().Str("program", st.ActiveProgram.Name).Msg("Program run in progress, skipping tick")
		return
	}

	programs, err := db.GetAllPrograms(s.conn)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load programs on tick")
		return
	}

	due := SelectDueProgram(programs, now)
	if due == nil {
		return
	}

	log.Info().
		Str("program", due.Name).
		Time("scheduled_for", *due.NextScheduledRunTime).
		Msg("Program is due, starting run")

	if err := s.runner.Start(due.ID); err != nil {
		log.Error().Err(err).Str("program", due.Name).Msg("Program run failed")
	}
}

// SelectDueProgram picks the enabled program whose next scheduled run time
// has arrived. When several are due at once the earliest scheduled time
// wins; exact ties fall back to list order.
func SelectDueProgram(programs []model.Program, now time.Time) *model.Program {
	var due *model.Program
	for i := range programs {
		p := &programs[i]
		if !p.Enabled || p.NextScheduledRunTime == nil {
			continue
		}
		if p.NextScheduledRunTime.After(now) {
			continue
		}
		if due == nil || p.NextScheduledRunTime.Before(*due.NextScheduledRunTime) {
			due = p
		}
	}
	return due
}

// RecalculateAllSchedules recomputes next_run for every program. Run daily
// by cron and after config reloads. Per-program failures are logged and
// skipped; there is no cross-program atomicity to preserve.
func (s *Scheduler) RecalculateAllSchedules() {
	now := s.clock.Now().In(s.loc)

	programs, err := db.GetAllPrograms(s.conn)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load programs for schedule refresh")
		return
	}

	for _, p := range programs {
		next, err := schedule.NextRunTime(p, now, false)
		if err != nil {
			log.Error().Err(err).Str("program", p.Name).Msg("Failed to compute next run time")
			continue
		}
		if err := db.UpdateProgramNextRun(s.conn, p.ID, next); err != nil {
			log.Error().Err(err).Str("program", p.Name).Msg("Failed to persist next run time")
			continue
		}
	}

	log.Info().Int("programs", len(programs)).Msg("Recalculated program schedules")
}
