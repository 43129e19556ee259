package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/api"
	"github.com/padenj/irrigation-controller/internal/config"
	"github.com/padenj/irrigation-controller/internal/controllers/programrunner"
	"github.com/padenj/irrigation-controller/internal/controllers/zonerunner"
	"github.com/padenj/irrigation-controller/internal/datadog"
	"github.com/padenj/irrigation-controller/internal/logging"
	"github.com/padenj/irrigation-controller/internal/notifications"
	"github.com/padenj/irrigation-controller/internal/relay"
	"github.com/padenj/irrigation-controller/internal/scheduler"
	"github.com/padenj/irrigation-controller/internal/sensors"
	"github.com/padenj/irrigation-controller/internal/status"
	"github.com/padenj/irrigation-controller/system/shutdown"
	"github.com/padenj/irrigation-controller/system/startup"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("database", cfg.DatabasePath).
		Int("tick_interval_seconds", cfg.TickIntervalSeconds).
		Msg("Starting irrigation controller")

	datadog.InitMetrics(cfg.DDAgentAddr, cfg.DDNamespace, cfg.DDTags, cfg.EnableDatadog)
	notifications.Init(cfg.NtfyTopic)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.Timezone).Msg("Invalid timezone")
	}

	dbConn, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.EnsureSchema(dbConn); err != nil {
		log.Fatal().Err(err).Msg("Failed to create database schema")
	}
	if err := db.SeedZones(dbConn, cfg.Zones); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed zones")
	}

	driver := relay.NewPinctrlDriver(cfg.RelayActiveHigh, cfg.SafeMode)
	if cfg.SafeMode {
		log.Warn().Msg("SAFE MODE ENABLED - relay writes are disabled system-wide")
	}

	zones, err := db.GetAllZones(dbConn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load zones")
	}
	ports := make([]int, 0, len(zones))
	for _, z := range zones {
		ports = append(ports, z.GPIOPort)
	}
	if !cfg.SafeMode {
		if err := driver.VerifyAllInactive(ports); err != nil {
			log.Fatal().Err(err).Msg("Refusing to start with energized relay pins")
		}
	}

	if err := startup.WriteBootScript(dbConn, &cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to write GPIO boot script")
	}
	if cfg.OSServicePath != "" {
		if err := startup.InstallBootService(&cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to install GPIO boot service")
		}
	}
	if cfg.MainServicePath != "" {
		if err := startup.InstallControllerService(&cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to install controller service")
		}
	}

	clock := clockwork.NewRealClock()
	st := status.NewManager(dbConn)

	// A stale active run from a previous crash would block the scheduler
	// forever, so clear it and make sure the relays agree.
	shutdown.DeenergizeAll(dbConn, driver, st)

	zoneRunner := zonerunner.New(dbConn, st, driver, clock)
	progRunner := programrunner.New(dbConn, st, zoneRunner, clock, loc)
	sched := scheduler.New(dbConn, st, progRunner, clock, loc)

	sched.RecalculateAllSchedules()

	moisture := sensors.NewService(dbConn, cfg.MoistureDevicePath, cfg.MoisturePollSeconds, clock)
	moisture.Start()

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(everySpec(cfg.TickIntervalSeconds), sched.RunTick); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule tick")
	}
	// Daily refresh catches DST shifts and drift in derived schedules.
	if _, err := c.AddFunc("5 0 * * *", sched.RecalculateAllSchedules); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule daily refresh")
	}
	c.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		err := config.Watch(ctx, cfg.ConfigFile, func(newCfg config.Config) {
			driver.SetSafeMode(newCfg.SafeMode)
			log.Info().Bool("safe_mode", newCfg.SafeMode).Msg("Applied reloaded config")
			sched.RecalculateAllSchedules()
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher stopped")
		}
	}()

	go func() {
		server := api.NewServer(dbConn, st, progRunner, moisture, clock, loc)
		if err := server.Start(cfg.APIPort); err != nil {
			shutdown.ExitWithError(dbConn, driver, st, err, "API server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Info().Str("signal", received.String()).Msg("Shutting down")
	cancel()
	c.Stop()
	if err := progRunner.StopActive(); err != nil {
		log.Error().Err(err).Msg("Failed to stop active program during shutdown")
	}
	shutdown.DeenergizeAll(dbConn, driver, st)
	dbConn.Close()
}

func everySpec(seconds int) string {
	return "@every " + (time.Duration(seconds) * time.Second).String()
}
