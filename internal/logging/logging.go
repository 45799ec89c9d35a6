// Package logging configures the process-wide zerolog logger: console
// output for interactive runs, JSON for services, and an optional rotating
// file sink for the long-running daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects output format, verbosity, and the optional file sink.
type Config struct {
	// Level is one of trace/debug/info/warn/error. Unknown values fall
	// back to info.
	Level string
	// Format is "console" or "json". Empty defaults to console.
	Format string
	// Component, when set, is stamped on every event.
	Component string
	// File, when set, tees JSON output into a rotating log file.
	File string
}

var (
	mu       sync.Mutex
	fileSink *lumberjack.Logger

	// Swappable for tests.
	stderrWriter io.Writer = os.Stderr
)

// Init installs the global logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var console io.Writer = stderrWriter
	if strings.ToLower(cfg.Format) != "json" {
		console = zerolog.ConsoleWriter{Out: stderrWriter, TimeFormat: "15:04:05"}
	}

	writers := []io.Writer{console}
	if cfg.File != "" {
		fileSink = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		writers = append(writers, fileSink)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp()
	if cfg.Component != "" {
		logger = logger.Str("component", cfg.Component)
	}
	log.Logger = logger.Logger()
}

// Close flushes and closes the rotating file sink, if one was configured.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileSink == nil {
		return nil
	}
	err := fileSink.Close()
	fileSink = nil
	return err
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
