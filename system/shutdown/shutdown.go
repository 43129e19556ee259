package shutdown

import (
	"database/sql"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/relay"
	"github.com/padenj/irrigation-controller/internal/status"
)

// DeenergizeAll closes every zone valve and clears the active run. Called on
// SIGTERM and before error exits so a crash never leaves water flowing.
func DeenergizeAll(dbConn *sql.DB, driver relay.Driver, st *status.Manager) {
	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not load zones during shutdown, relays may stay energized")
	}
	for _, zone := range zones {
		if err := driver.TurnOff(zone.GPIOPort); err != nil {
			log.Error().Err(err).Str("zone", zone.Name).Int("gpio_port", zone.GPIOPort).Msg("Failed to de-energize zone relay")
		}
	}

	if st != nil {
		if err := st.ClearActiveRun(); err != nil {
			log.Error().Err(err).Msg("Failed to clear active run during shutdown")
		}
	}

	log.Info().Int("zones", len(zones)).Msg("All zone relays de-energized")
}

// ExitWithError logs the failure, de-energizes everything, and exits nonzero.
func ExitWithError(dbConn *sql.DB, driver relay.Driver, st *status.Manager, err error, msg string) {
	log.Error().Err(err).Msg(msg)
	DeenergizeAll(dbConn, driver, st)
	os.Exit(1)
}
