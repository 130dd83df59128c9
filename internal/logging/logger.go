// Package logging provides the process-wide zerolog logger construction for
// the snapback node, mirroring the console/JSON split used by the rest of
// the fleet's Go services.
package logging

import (
	"os"
	"strings"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// New builds a zerolog logger: pretty console output in a terminal,
// structured JSON otherwise.
func New() *zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "snapback-node").
			Logger()
	}

	return &logger
}

// SetLevel applies the "logging.level" configuration key to the global
// zerolog level.
func SetLevel(ko *koanf.Koanf, logger *zerolog.Logger) {
	levelStr := ko.String("logging.level")
	if levelStr == "" {
		levelStr = "info"
	}

	var level zerolog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
		logger.Warn().Str("configured_level", levelStr).Msg("unknown log level, defaulting to info")
	}

	zerolog.SetGlobalLevel(level)
	logger.Info().Str("level", level.String()).Msg("log level set")
}

func isTerminal() bool {
	fileInfo, _ := os.Stdout.Stat()
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}
