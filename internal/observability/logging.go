// Package observability wires structured logging for the CLI and agent.
//
// CLILogger is the process-wide logger. Commands log through it directly;
// packages that need a logger receive it as a dependency instead of
// importing this package.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger for command output and diagnostics.
//
// It defaults to a no-op logger so packages can log safely before Init
// runs (e.g. during flag parsing errors).
var CLILogger = zap.NewNop()

// Init configures CLILogger from the logging section of the app config.
//
// Profile selects the encoder: "structured" emits JSON (the default for
// agent mode and CI capture), "console" emits human-readable lines.
func Init(level, profile string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "structured":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unsupported logging profile: %s", profile)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries. Safe to call on a no-op logger.
func Sync() {
	_ = CLILogger.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unsupported log level: %s", level)
	}
}
