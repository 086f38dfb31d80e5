// Package logging configures the process-wide zerolog logger and hands out
// component-scoped sub-loggers. Components never construct their own root
// logger; they call For("router") and get structured output that carries the
// component name on every line.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls global logger behavior.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string
	// JSON emits machine-readable JSON instead of the console writer.
	JSON bool
	// Output overrides the destination (defaults to stderr). Used by tests.
	Output io.Writer
}

var setupOnce sync.Once

// Setup initializes the global zerolog logger. Safe to call more than once;
// only the first call wins.
func Setup(cfg Config) {
	setupOnce.Do(func() {
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		if !cfg.JSON {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}

		zerolog.SetGlobalLevel(parseLevel(cfg.Level))
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	})
}

// For returns a logger scoped to the named component.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
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
