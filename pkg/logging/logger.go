// Package logging configures structured zerolog logging for the Bitrix24
// client and the b24 command.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Portal is attached to every entry as "portal" when set.
	Portal string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Portal != "" {
		ctx = ctx.Str("portal", cfg.Portal)
	}
	logger := ctx.Logger()

	log.Logger = logger
	return logger
}

// ParseLevel converts a level name to a zerolog.Level.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow
//   - Outgoing calls (method, redacted URL)
//   - Batch chunk completion, list read completion
//   - Joined token renewals, operating state updates
//
// Info: normal operation events
//   - Access token renewed
//   - Success after retry
//   - Server startup/shutdown
//
// Warn: degraded but working
//   - Retry attempts with backoff
//   - Operating limit throttling
//   - Tracker or store errors that fall back to an unchecked call
//
// Error: needs attention
//   - Retries exhausted
//   - Token renewal failures
//   - Batch chunk failures, operating limit blocks
//
// Context Fields:
//   - method: REST method name
//   - attempt: attempt number within one logical call
//   - error_class: network, server, rate_limit, auth_expired, ...
//   - backoff: delay before the next attempt
//   - chunk, chunks, commands: batch progress
//   - start, pages, items: list traversal progress
//   - operating: seconds of operating time used in the window
