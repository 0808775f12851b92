// Package logger configures structured JSON logging for the worker.
//
// Every log line is a single JSON object on stdout with stable keys
// {time, level, service, msg} plus optional correlation fields
// (request_id, task_id, run_id) bound by the handlers that own them.
// The schema matches what the control plane ingests.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	initOnce      sync.Once
)

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings map to info.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init installs the JSON logger as the process default. The service name is
// attached to every record so multi-service log streams stay attributable.
func Init(level slog.Level, service string, output io.Writer) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey:
				// Lowercase levels; normalize WARNING to warn.
				level := strings.ToLower(a.Value.String())
				if level == "warning" {
					level = "warn"
				}
				return slog.String("level", level)
			case slog.MessageKey:
				return slog.Attr{Key: "msg", Value: a.Value}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(output, opts).
		WithAttrs([]slog.Attr{slog.String("service", service)})

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// Get returns the default logger, initializing it lazily with info level
// and stdout output if Init was never called.
func Get() *slog.Logger {
	initOnce.Do(func() {
		if defaultLogger == nil {
			Init(slog.LevelInfo, "codeforge-worker", os.Stdout)
		}
	})
	return defaultLogger
}

// WithRequestID binds the request correlation id carried on bus messages.
func WithRequestID(log *slog.Logger, requestID string) *slog.Logger {
	if requestID == "" {
		return log
	}
	return log.With("request_id", requestID)
}

// WithRun binds task and run identifiers for the lifetime of a run.
func WithRun(log *slog.Logger, taskID, runID string) *slog.Logger {
	if taskID != "" {
		log = log.With("task_id", taskID)
	}
	if runID != "" {
		log = log.With("run_id", runID)
	}
	return log
}
