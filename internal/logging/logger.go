package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New gives development environments a console writer; everything else emits
// JSON.
func New(level, env string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).
		Level(parsed).
		With().
		Timestamp().
		Logger()

	if env == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return logger
}
