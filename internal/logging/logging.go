package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. When the log file cannot be
// opened (e.g. running from a checkout without /var/log access) logging falls
// back to stderr rather than refusing to start.
func Init(level zerolog.Level, logFile string) {
	var writer = zerolog.MultiLevelWriter(os.Stderr)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			writer = zerolog.MultiLevelWriter(f, os.Stderr)
		}
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	if level == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
}
