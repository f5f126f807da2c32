// Package logger configures the process-wide zerolog logger used by every
// component: one JSON sink, a service name, and per-call fields for
// correlation id and message id.
package logger

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

// Config controls the process-wide logger.
type Config struct {
	Level   string
	Service string
	Pretty  bool
}

// Init sets up the default logger. Safe to call once at startup; subsequent
// calls are no-ops.
func Init(cfg Config) {
	once.Do(func() {
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)

		var w = os.Stdout
		if cfg.Pretty {
			base = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Str("service", cfg.Service).Logger()
			return
		}
		base = zerolog.New(w).With().Timestamp().Str("service", cfg.Service).Logger()
	})
}

// Get returns the process-wide logger, initializing a sane default if Init
// was never called (useful in tests).
func Get() zerolog.Logger {
	once.Do(func() {
		base = zerolog.New(os.Stdout).With().Timestamp().Str("service", "phishtriage").Logger()
	})
	return base
}

// With returns a child logger carrying a correlation id, the unit every
// pipeline stage logs under.
func With(correlationID string) zerolog.Logger {
	return Get().With().Str("correlation_id", correlationID).Logger()
}
