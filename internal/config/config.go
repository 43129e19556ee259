package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/padenj/irrigation-controller/internal/model"
)

// SeedZone describes a zone created on first boot when the database is empty.
// After that the API owns zone records and the seed list is ignored.
type SeedZone struct {
	Name            string `json:"name"`
	GPIOPort        int    `json:"gpio_port"`
	Enabled         bool   `json:"enabled"`
	MoistureChannel *int   `json:"moisture_channel"`
}

type Config struct {
	ConfigFile string
	LogLevel   zerolog.Level

	LogFile      string `json:"log_file"`
	DatabasePath string `json:"database_path"`
	Timezone     string `json:"timezone"`

	TickIntervalSeconds int `json:"tick_interval_seconds"`
	APIPort             int `json:"api_port"`

	// SafeMode disables all relay writes system-wide. Countdown and status
	// bookkeeping still run, so the scheduler can be exercised on a bench.
	SafeMode        bool `json:"safe_mode"`
	RelayActiveHigh bool `json:"relay_active_high"`

	MoisturePollSeconds int    `json:"moisture_poll_seconds"`
	MoistureDevicePath  string `json:"moisture_device_path"`

	EnableDatadog bool     `json:"enable_datadog"`
	DDAgentAddr   string   `json:"dd_agent_addr"`
	DDNamespace   string   `json:"dd_namespace"`
	DDTags        []string `json:"dd_tags"`

	NtfyTopic string `json:"ntfy_topic"`

	BootScriptFilePath string `json:"boot_script_file_path"`
	OSServicePath      string `json:"os_service_path"`
	MainServicePath    string `json:"main_service_path"`

	Zones []SeedZone `json:"zones"`
}

func Load() Config {
	var configFile string
	var logLevel string

	flag.StringVar(&configFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := LoadFile(configFile)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	cfg.LogLevel = parseLogLevel(logLevel)

	return cfg
}

// LoadFile reads and validates a config file without touching flags, so the
// fsnotify reload path can reuse it.
func LoadFile(path string) (Config, error) {
	var cfg Config
	cfg.ConfigFile = path
	cfg.LogLevel = zerolog.InfoLevel

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.TickIntervalSeconds == 0 {
		cfg.TickIntervalSeconds = 15
	}
	if cfg.MoisturePollSeconds == 0 {
		cfg.MoisturePollSeconds = 300
	}
	if cfg.MoistureDevicePath == "" {
		cfg.MoistureDevicePath = "/sys/bus/iio/devices/iio:device0"
	}
	if cfg.APIPort == 0 {
		cfg.APIPort = 8080
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/irrigation.db"
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) validate() error {
	var (
		problems  []string
		usedPorts = map[int]string{}
	)

	for _, z := range cfg.Zones {
		if z.Name == "" {
			problems = append(problems, "zone with empty name")
			continue
		}
		if !model.IsValidGPIOPort(z.GPIOPort) {
			problems = append(problems, fmt.Sprintf("zone %q uses invalid GPIO port %d", z.Name, z.GPIOPort))
		}
		if other, exists := usedPorts[z.GPIOPort]; exists {
			problems = append(problems, fmt.Sprintf("zones %q and %q both use GPIO port %d", z.Name, other, z.GPIOPort))
		} else {
			usedPorts[z.GPIOPort] = z.Name
		}
	}

	if cfg.TickIntervalSeconds < 1 {
		problems = append(problems, "tick_interval_seconds must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
