// Package sensors polls the capacitive soil moisture probes through the IIO
// ADC sysfs interface and records readings on their zones. Readings are
// advisory: a failed probe never blocks watering, it only raises an alert.
package sensors

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/padenj/irrigation-controller/db"
	"github.com/padenj/irrigation-controller/internal/datadog"
	"github.com/padenj/irrigation-controller/internal/notifications"
)

// adcMaxRaw is the full-scale value of the 12-bit ADC channels.
const adcMaxRaw = 4095

// maxFailures is the consecutive-failure count that triggers a probe alert.
const maxFailures = 5

type Reading struct {
	Percent   int
	Timestamp time.Time
}

// Notifier interface for sending notifications
type Notifier interface {
	Send(title, message string) error
}

type probeState struct {
	failures int
	alerted  bool
}

type Service struct {
	dbConn       *sql.DB
	devicePath   string
	pollInterval time.Duration
	clock        clockwork.Clock

	mutex    sync.RWMutex
	readings map[string]Reading
	probes   map[string]*probeState

	// Dependencies (for testing)
	notifier Notifier
	readRaw  func(devicePath string, channel int) (int, error)
}

func NewService(dbConn *sql.DB, devicePath string, pollIntervalSeconds int, clock clockwork.Clock) *Service {
	return &Service{
		dbConn:       dbConn,
		devicePath:   devicePath,
		pollInterval: time.Duration(pollIntervalSeconds) * time.Second,
		clock:        clock,
		readings:     make(map[string]Reading),
		probes:       make(map[string]*probeState),
		notifier:     &realNotifier{},
		readRaw:      readRawChannel,
	}
}

type realNotifier struct{}

func (r *realNotifier) Send(title, message string) error {
	return notifications.Send(title, message)
}

func (s *Service) Start() {
	go func() {
		log.Info().
			Str("device", s.devicePath).
			Dur("interval", s.pollInterval).
			Msg("Starting moisture reading service")

		for {
			s.readAllProbes()
			s.clock.Sleep(s.pollInterval)
		}
	}()
}

func (s *Service) readAllProbes() {
	zones, err := db.GetAllZones(s.dbConn)
	if err != nil {
		log.Error().Err(err).Msg("Could not retrieve zones for moisture reading")
		return
	}

	read := 0
	for _, zone := range zones {
		if zone.MoistureChannel < 0 {
			continue
		}
		read++

		raw, err := s.readRaw(s.devicePath, zone.MoistureChannel)
		if err != nil {
			log.Warn().
				Err(err).
				Str("zone", zone.Name).
				Int("channel", zone.MoistureChannel).
				Msg("Moisture probe read failed")
			s.recordFailure(zone.ID, zone.Name)
			continue
		}

		percent := scaleMoisture(raw)
		s.recordReading(zone.ID, zone.Name, percent)

		if err := db.UpdateZoneMoisture(s.dbConn, zone.ID, percent); err != nil {
			log.Error().Err(err).Str("zone", zone.Name).Msg("Failed to persist moisture reading")
		}

		datadog.Gauge("moisture.percent", float64(percent), fmt.Sprintf("zone:%s", zone.Name))
		log.Debug().
			Str("zone", zone.Name).
			Int("raw", raw).
			Int("percent", percent).
			Msg("Moisture reading accepted")
	}

	log.Debug().Int("probes_read", read).Msg("Completed moisture reading cycle")
}

func (s *Service) recordReading(zoneID, zoneName string, percent int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.readings[zoneID] = Reading{Percent: percent, Timestamp: s.clock.Now()}

	probe := s.probes[zoneID]
	if probe == nil {
		return
	}
	if probe.alerted {
		message := fmt.Sprintf("[%s Probe Recovered] reading %d%% after %d failed polls", zoneName, percent, probe.failures)
		if err := s.notifier.Send("Irrigation Probe Recovery", message); err != nil {
			log.Error().Err(err).Msg("Failed to send probe recovery notification")
		}
	}
	probe.failures = 0
	probe.alerted = false
}

func (s *Service) recordFailure(zoneID, zoneName string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	probe := s.probes[zoneID]
	if probe == nil {
		probe = &probeState{}
		s.probes[zoneID] = probe
	}
	probe.failures++

	if probe.failures >= maxFailures && !probe.alerted {
		probe.alerted = true
		message := fmt.Sprintf("[%s Probe Failed] %d consecutive failed polls, last reading retained", zoneName, probe.failures)
		if err := s.notifier.Send("Irrigation Probe Failure", message); err != nil {
			log.Error().Err(err).Msg("Failed to send probe failure notification")
		}
	}
}

// Moisture returns the latest in-memory reading for a zone. Stale readings
// (older than twice the poll interval) are not served.
func (s *Service) Moisture(zoneID string) (int, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	reading, exists := s.readings[zoneID]
	if !exists {
		return 0, false
	}
	if s.clock.Since(reading.Timestamp) > 2*s.pollInterval {
		log.Warn().
			Str("zone_id", zoneID).
			Dur("age", s.clock.Since(reading.Timestamp)).
			Msg("Moisture reading is stale")
		return 0, false
	}
	return reading.Percent, true
}

// scaleMoisture converts a raw ADC count to a moisture percentage. The
// capacitive probes read high when dry, so the scale is inverted.
func scaleMoisture(raw int) int {
	if raw < 0 {
		raw = 0
	}
	if raw > adcMaxRaw {
		raw = adcMaxRaw
	}
	return 100 - raw*100/adcMaxRaw
}

// readRawChannel reads one ADC channel through the kernel IIO sysfs file.
func readRawChannel(devicePath string, channel int) (int, error) {
	path := filepath.Join(devicePath, fmt.Sprintf("in_voltage%d_raw", channel))
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read ADC channel %d: %w", channel, err)
	}
	raw, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse ADC value %q: %w", strings.TrimSpace(string(data)), err)
	}
	return raw, nil
}
