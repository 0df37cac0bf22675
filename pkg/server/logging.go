package server

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logger is the package-wide operational logger. InitLogger replaces it at
// startup; tests silence it in TestMain.
var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// InitLogger configures the package logger from the logging config section
func InitLogger(cfg LoggingConfig) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var out io.Writer = os.Stderr
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Logger{}, fmt.Errorf("unknown log format %q (want console or json)", cfg.Format)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, nil
}

// SetLogger replaces the package logger
func SetLogger(l zerolog.Logger) {
	logger = l
}

// ParseLevel maps a config level name to a zerolog level
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", s)
	}
}
