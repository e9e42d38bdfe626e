// Package logging provides structured logging for vpod.
// Everything goes to a rotated JSON log file; the console only sees what
// the -v flags ask for.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog.Logger and owns the rotating file writer.
type Logger struct {
	zerolog.Logger
	fileWriter io.WriteCloser
}

// Config holds logging configuration
type Config struct {
	// LogFile is the path to the log file. Empty means DefaultLogFile().
	LogFile string
	// Verbosity level: 0=ERROR+WARN, 1=INFO (-v), 2=DEBUG (-vv)
	Verbosity int
	// ConsoleOutput enables console output to stderr
	ConsoleOutput bool
	// Console overrides the console destination (stderr when nil).
	Console io.Writer
}

// DefaultLogFile returns ~/.config/vpod/vpod.log, or vpod.log in the
// working directory when no config dir can be determined.
func DefaultLogFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "vpod.log"
	}
	return filepath.Join(dir, "vpod", "vpod.log")
}

// levelFilterWriter drops events below level.
type levelFilterWriter struct {
	w     io.Writer
	level zerolog.Level
}

func (lfw levelFilterWriter) Write(p []byte) (n int, err error) {
	return lfw.w.Write(p)
}

func (lfw levelFilterWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if level >= lfw.level {
		return lfw.w.Write(p)
	}
	return len(p), nil
}

// consoleLevel maps the -v count to the lowest level shown on the console.
func consoleLevel(verbosity int) zerolog.Level {
	switch {
	case verbosity >= 2:
		return zerolog.DebugLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	default:
		return zerolog.WarnLevel
	}
}

// New creates a Logger writing to a rotated file and, optionally, the console.
func New(cfg Config) (*Logger, error) {
	if cfg.LogFile == "" {
		cfg.LogFile = DefaultLogFile()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileLogger := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		LocalTime:  true,
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	writers := []io.Writer{
		levelFilterWriter{w: fileLogger, level: zerolog.DebugLevel},
	}

	if cfg.ConsoleOutput {
		out := cfg.Console
		if out == nil {
			out = os.Stderr
		}
		consoleWriter := zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
			FormatLevel: func(i any) string {
				switch level := fmt.Sprintf("%s", i); level {
				case "debug":
					return "DEBUG"
				case "info":
					return "INFO "
				case "warn":
					return "WARN "
				case "error":
					return "ERROR"
				case "fatal":
					return "FATAL"
				default:
					return fmt.Sprintf("%-5s", level)
				}
			},
			FormatFieldName: func(i any) string {
				return fmt.Sprintf("%s=", i)
			},
		}
		writers = append(writers, levelFilterWriter{w: consoleWriter, level: consoleLevel(cfg.Verbosity)})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()

	return &Logger{
		Logger:     logger,
		fileWriter: fileLogger,
	}, nil
}

// Close closes the log file writer
func (l *Logger) Close() error {
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

// Debug returns a debug event for structured logging
func (l *Logger) Debug() *zerolog.Event {
	return l.Logger.Debug()
}

// Info returns an info event for structured logging
func (l *Logger) Info() *zerolog.Event {
	return l.Logger.Info()
}

// Warn returns a warn event for structured logging
func (l *Logger) Warn() *zerolog.Event {
	return l.Logger.Warn()
}

// Error returns an error event for structured logging
func (l *Logger) Error() *zerolog.Event {
	return l.Logger.Error()
}

var (
	globalLogger *Logger
	nopLogger    = &Logger{Logger: zerolog.Nop()}
)

// Init initializes the global logger with the given configuration
func Init(cfg Config) error {
	logger, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	globalLogger = logger
	return nil
}

// Get returns the global logger. Before Init it returns a logger that
// discards everything, so packages can log unconditionally in tests.
func Get() *Logger {
	if globalLogger == nil {
		return nopLogger
	}
	return globalLogger
}

// Close closes the global logger
func Close() error {
	if globalLogger != nil {
		return globalLogger.Close()
	}
	return nil
}

// Debug logs a debug message using the global logger
func Debug() *zerolog.Event {
	return Get().Debug()
}

// Info logs an info message using the global logger
func Info() *zerolog.Event {
	return Get().Info()
}

// Warn logs a warning message using the global logger
func Warn() *zerolog.Event {
	return Get().Warn()
}

// Error logs an error message using the global logger
func Error() *zerolog.Event {
	return Get().Error()
}
