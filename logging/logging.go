// Package logging builds the root zerolog.Logger handed to every
// component's constructor, grounded on the teacher pack's log.Configure
// pattern (ManuGH-xg2g/internal/log), simplified to a factory since every
// component here already takes its logger by constructor injection rather
// than reading a global.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger for a node: JSON to stdout, RFC3339
// timestamps, and a "service" field every child logger inherits.
func New(level, service string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	return zerolog.New(os.Stdout).Level(parsed).With().
		Timestamp().
		Str("service", service).
		Logger()
}
