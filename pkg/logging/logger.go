// Package logging configures zerolog for the market replica and hands out
// component- and run-scoped loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelTrace LogLevel = "trace"
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: JSON).
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a level name to zerolog.Level. Unknown names map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger from the global one with a component field.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ForRun tags base with a fresh run_id and the pipeline name. Every refresh
// run logs through one of these so its lines can be grouped.
func ForRun(base zerolog.Logger, pipeline string) (zerolog.Logger, string) {
	runID := uuid.NewString()
	return base.With().
		Str("pipeline", pipeline).
		Str("run_id", runID).
		Logger(), runID
}

// Log Level Guidelines:
//
// Debug: per-request flow, page progress, batch writes
// Info: phase and region summaries, run start/finish, promotion results
// Warn: orphans, unknown item types, retries, rate limit waits
// Error: terminal fetch failures, failed regions, aborted runs
//
// Context Fields:
//   - component: emitting package (esi-client, universe, market, server)
//   - run_id / pipeline: refresh run identity
//   - path: ESI request path
//   - error_class: client, server, rate_limit, network, decode
//   - phase / region_id: unit of work inside a run
