package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a JSON logger tagged with the service name and mode.
func New(service, mode string, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	host, _ := os.Hostname()
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("mode", mode).
		Str("host", host).
		Logger()
}
