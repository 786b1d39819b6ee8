// Package logging provides structured logging configuration using zerolog.
package logging

import (
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

// Component names used across the importer. Every long-lived object derives
// its logger from one of these so that log lines can be filtered per stage.
const (
	ComponentExecutor     = "executor"
	ComponentGate         = "gate"
	ComponentSubmitter    = "submitter"
	ComponentPoller       = "poller"
	ComponentOrchestrator = "orchestrator"
	ComponentJournal      = "journal"
	ComponentDirectory    = "integrations"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(string(cfg.Level)))

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

// ParseLevel converts a textual level to zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow
//   - Gate slot acquisition and dispatch
//   - Individual poll rounds and job status transitions
//   - Directory cache hits
//
// Info: run milestones
//   - Batch start/finish with counts
//   - Job completion with discovered project counts
//   - Targets skipped because they are already journaled
//
// Warn: recovered problems
//   - Rate-limit (429) sleeps
//   - Dispatch failures retried by the gate
//   - Malformed poll payloads, invalid exclusion globs
//   - Per-target submission failures
//
// Error: conditions that stop work
//   - Authentication failures (401)
//   - Batch-wide transport failures that abort the run
//   - Journal write failures
//
// Context Fields:
//   - method, url, status_code: HTTP call
//   - attempt, sleep: retry loop state
//   - target: identity key name:owner:branch
//   - job_id, polling_url: remote import job
//   - batch, batch_size: orchestrator position
//   - run_id: one ImportAll invocation
