// Package log provides structured, colored logging for the Ember node.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Node    zerolog.Logger
	Chain   zerolog.Logger
	P2P     zerolog.Logger
	Mempool zerolog.Logger
	Indexer zerolog.Logger
	Pool    zerolog.Logger
	Storage zerolog.Logger
)

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// The console gets colored or JSON output depending on jsonOutput. When
// debugFile is non-empty, all events at the configured level are appended
// to it as JSON. When errorFile is non-empty, warning-and-above events are
// additionally appended there, so operators can tail a quiet channel.
func Init(level string, jsonOutput bool, debugFile, errorFile string) error {
	lvl := parseLevel(level)

	var consoleWriter io.Writer
	if jsonOutput {
		consoleWriter = os.Stdout
	} else {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
			NoColor:    false,
		}
	}

	writers := []io.Writer{consoleWriter}

	if debugFile != "" {
		f, err := os.OpenFile(debugFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		// File output is always JSON (no ANSI codes, structured for parsing).
		writers = append(writers, f)
	}

	if errorFile != "" {
		f, err := os.OpenFile(errorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writers = append(writers, &levelFilterWriter{w: f, min: zerolog.WarnLevel})
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	initComponentLoggers()
	return nil
}

// levelFilterWriter passes through only events at or above min.
type levelFilterWriter struct {
	w   io.Writer
	min zerolog.Level
}

func (lw *levelFilterWriter) Write(p []byte) (int, error) {
	return lw.w.Write(p)
}

func (lw *levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < lw.min {
		return len(p), nil
	}
	return lw.w.Write(p)
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
		NoColor:    false,
	}

	lvl := parseLevel(level)
	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl := parseLevel(level)
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a string level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// initComponentLoggers initializes loggers for each component.
func initComponentLoggers() {
	Node = Logger.With().Str("component", "node").Logger()
	Chain = Logger.With().Str("component", "chain").Logger()
	P2P = Logger.With().Str("component", "p2p").Logger()
	Mempool = Logger.With().Str("component", "mempool").Logger()
	Indexer = Logger.With().Str("component", "indexer").Logger()
	Pool = Logger.With().Str("component", "pool").Logger()
	Storage = Logger.With().Str("component", "storage").Logger()
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Debug logs a debug message.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Info logs an info message.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Warn logs a warning message.
func Warn() *zerolog.Event {
	return Logger.Warn()
}

// Error logs an error message.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Fatal logs a fatal message and exits.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
