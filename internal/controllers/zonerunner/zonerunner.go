// Package zonerunner executes a single zone for a bounded duration. The
// countdown re-reads the status row every second, so an external stop takes
// effect within one polling interval, and every exit path funnels through
// Stop so the relay is always de-energized.
package zonerunner

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/datadog"
	"github.com/padenj/irrigation-controller/internal/model"
	"github.com/padenj/irrigation-controller/internal/relay"
	"github.com/padenj/irrigation-controller/internal/status"
)

type Runner struct {
	conn   *sql.DB
	status *status.Manager
	relay  relay.Driver
	clock  clockwork.Clock
}

func New(conn *sql.DB, st *status.Manager, driver relay.Driver, clock clockwork.Clock) *Runner {
	return &Runner{conn: conn, status: st, relay: driver, clock: clock}
}

// Run waters one zone for durationSeconds. Disabled zones are skipped
// without touching the relay or the status row; that is a normal return,
// not an error.
func (r *Runner) Run(zoneID string, durationSeconds int) error {
	zone, err := db.GetZoneByID(r.conn, zoneID)
	if err != nil {
		log.Error().Err(err).Str("zone_id", zoneID).Msg("Cannot run unknown zone")
		return err
	}

	if !zone.Enabled {
		log.Info().Str("zone", zone.Name).Msg("Zone disabled, skipping")
		return nil
	}
	if durationSeconds <= 0 {
		log.Info().Str("zone", zone.Name).Int("duration", durationSeconds).Msg("Zone has no watering time, skipping")
		return nil
	}

	if err := r.status.SetActiveZone(zone.ID, durationSeconds); err != nil {
		log.Error().Err(err).Str("zone", zone.Name).Msg("Failed to mark zone active")
		return err
	}

	if err := r.relay.TurnOn(zone.GPIOPort); err != nil {
		// A relay fault aborts the run through the normal cleanup path
		// instead of crashing the loop.
		log.Error().Err(err).Str("zone", zone.Name).Int("port", zone.GPIOPort).Msg("Relay activation failed")
		r.Stop(zone.ID)
		return err
	}

	log.Info().
		Str("zone", zone.Name).
		Int("port", zone.GPIOPort).
		Int("duration_seconds", durationSeconds).
		Msg("Zone watering started")
	datadog.Count("zone.run.started", 1, fmt.Sprintf("zone:%s", zone.Name))

	for remaining := durationSeconds; remaining >= 1; remaining-- {
		st, err := r.status.Get()
		if err != nil {
			log.Error().Err(err).Str("zone", zone.Name).Msg("Failed to read status mid-countdown")
			break
		}
		if st.ActiveZone == nil || st.ActiveZone.ID != zone.ID {
			log.Warn().Str("zone", zone.Name).Int("remaining_seconds", remaining).Msg("Zone stopped externally mid-countdown")
			datadog.Count("zone.run.aborted", 1, fmt.Sprintf("zone:%s", zone.Name))
			break
		}

		if err := r.status.UpdateZoneCountdown(zone.ID, remaining); err != nil {
			log.Error().Err(err).Str("zone", zone.Name).Msg("Failed to update countdown")
		}
		datadog.Gauge("zone.run.seconds_remaining", float64(remaining), fmt.Sprintf("zone:%s", zone.Name))

		r.clock.Sleep(time.Second)
	}

	return r.Stop(zone.ID)
}

// Stop is the single deactivation chokepoint. It resolves the target zone
// (explicit id, or the current active zone when the id is empty), turns its
// relay off unconditionally, and clears the active-zone marker when the
// stopped zone holds it. Stopping when nothing resolves is reported, not an
// error, when no id was given.
func (r *Runner) Stop(zoneID string) error {
	st, err := r.status.Get()
	if err != nil {
		log.Error().Err(err).Msg("Failed to read status for zone stop")
		return err
	}

	var zone *model.Zone
	if zoneID == "" {
		if st.ActiveZone == nil {
			log.Info().Msg("No active zone to stop")
			return nil
		}
		zone = st.ActiveZone
	} else {
		zone, err = db.GetZoneByID(r.conn, zoneID)
		if err != nil {
			log.Error().Err(err).Str("zone_id", zoneID).Msg("Cannot stop unknown zone")
			return err
		}
	}

	// Relay-off is idempotent; issue it even when the zone is not marked
	// active so a stuck relay can always be cleared.
	if err := r.relay.TurnOff(zone.GPIOPort); err != nil {
		log.Error().Err(err).Str("zone", zone.Name).Int("port", zone.GPIOPort).Msg("Relay deactivation failed")
	}

	if st.ActiveZone != nil && st.ActiveZone.ID == zone.ID {
		if err := r.status.ClearActiveZone(zone.ID); err != nil {
			log.Error().Err(err).Str("zone", zone.Name).Msg("Failed to clear active zone")
			return err
		}
	}

	log.Info().Str("zone", zone.Name).Int("port", zone.GPIOPort).Msg("Zone watering stopped")
	return nil
}
