// Package log provides structured logging utilities for the withdrawal relay.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID, status string) *Logger {
	return l.WithFields("job_id", jobID, "job_status", status)
}

// WithClaim returns a logger with claim-specific fields
func (l *Logger) WithClaim(claimID, minerAuthority string) *Logger {
	return l.WithFields("claim_id", claimID, "miner_authority", minerAuthority)
}

// WithSlot returns a logger with the current chain slot
func (l *Logger) WithSlot(slot uint64) *Logger {
	return l.WithFields("slot", slot)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Relay-specific logging helpers

// LogJobTransition logs a job state transition
func (l *Logger) LogJobTransition(jobID, from, to string, retryCount int) {
	l.Info("job transition",
		"job_id", jobID,
		"from", from,
		"to", to,
		"retry_count", retryCount,
	)
}

// LogSubmission logs a withdrawal transaction submission
func (l *Logger) LogSubmission(jobID, signature string, slot uint64, latencyMs float64) {
	l.Info("withdrawal submitted",
		"job_id", jobID,
		"signature", signature,
		"slot", slot,
		"latency_ms", latencyMs,
	)
}

// LogClaimMatch logs a successful claim search
func (l *Logger) LogClaimMatch(jobID, claimID string, wildcard bool, remaining uint16) {
	l.Info("claim matched",
		"job_id", jobID,
		"claim_id", claimID,
		"wildcard", wildcard,
		"remaining_consumes", remaining,
	)
}

// LogRetarget logs a difficulty retarget
func (l *Logger) LogRetarget(slot uint64, observed uint64, expected uint64, difficulty string) {
	l.Info("difficulty retargeted",
		"slot", slot,
		"solutions_observed", observed,
		"solutions_expected", expected,
		"difficulty", difficulty,
	)
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, durationNs int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", durationNs,
		"duration_ms", float64(durationNs)/1e6,
	)
}
