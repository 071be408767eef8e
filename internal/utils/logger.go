package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig controls the process-wide logging backend.
type LogConfig struct {
	Level    string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Minimum log level (debug, info, warn, error, disabled)"`
	Format   string `long:"log-format" env:"LOG_FORMAT" default:"console" description:"Log output format (console, json)"`
	File     string `long:"log-file" env:"LOG_FILE" description:"Optional log file, rotated in place"`
	RotateKB int64  `long:"log-rotate-kb" env:"LOG_ROTATE_KB" default:"10240" description:"Rotate the log file after this many kilobytes"`
	MaxRolls int    `long:"log-max-rolls" env:"LOG_MAX_ROLLS" default:"3" description:"Number of rotated log files to keep"`
}

// DefaultLogConfig returns the logging defaults used when no flags are given.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:    "info",
		Format:   "console",
		RotateKB: 10 * 1024,
		MaxRolls: 3,
	}
}

// Component names used across the service. Each long-lived task logs under
// one of these so output can be filtered per subsystem.
const (
	ComponentIngest      = "INGEST"
	ComponentClassifier  = "CLASSIFIER"
	ComponentNetFlow     = "NETFLOW"
	ComponentBroadcaster = "BROADCASTER"
	ComponentCorrelation = "CORRELATION"
	ComponentMemory      = "MEMORY"
	ComponentDatabase    = "DATABASE"
	ComponentPrice       = "PRICE"
	ComponentServer      = "SERVER"
	ComponentCoordinator = "COORDINATOR"
)

// logRotator is non-nil when a log file was configured. It must be closed on
// shutdown so the last roll is flushed.
var logRotator *rotator.Rotator

// ParseLevel accepts LOG_LEVEL values in any case (DEBUG, INFO, WARN, ERROR,
// DISABLED) as well as zerolog's own names.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}

// SetupLogging installs the global zerolog logger. It returns a closer that
// releases the log rotator, if any.
func SetupLogging(cfg LogConfig) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		r, err := rotator.New(cfg.File, cfg.RotateKB, false, cfg.MaxRolls)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %w", err)
		}
		logRotator = r
		out = zerolog.MultiLevelWriter(out, r)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closerFunc(closeRotator), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func closeRotator() error {
	if logRotator == nil {
		return nil
	}
	err := logRotator.Close()
	logRotator = nil
	return err
}

// NewComponentLogger returns a child of the global logger tagged with the
// component name. Call it at construction time, after SetupLogging, so the
// configured writer is picked up.
func NewComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
