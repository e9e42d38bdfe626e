package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConsoleLevel(t *testing.T) {
	tests := []struct {
		verbosity int
		want      zerolog.Level
	}{
		{0, zerolog.WarnLevel},
		{1, zerolog.InfoLevel},
		{2, zerolog.DebugLevel},
		{5, zerolog.DebugLevel},
	}

	for _, tc := range tests {
		if got := consoleLevel(tc.verbosity); got != tc.want {
			t.Errorf("consoleLevel(%d) = %v, want %v", tc.verbosity, got, tc.want)
		}
	}
}

func TestNew_WritesFileAndFiltersConsole(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "vpod.log")
	var console bytes.Buffer

	logger, err := New(Config{
		LogFile:       logFile,
		Verbosity:     0,
		ConsoleOutput: true,
		Console:       &console,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info().Str("instance_id", "42").Msg("renting")
	logger.Warn().Msg("host keys retry")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), `"instance_id":"42"`) {
		t.Errorf("expected info event in log file, got %s", data)
	}

	if strings.Contains(console.String(), "renting") {
		t.Error("info event should not reach the console at verbosity 0")
	}
	if !strings.Contains(console.String(), "host keys retry") {
		t.Errorf("expected warn event on console, got %q", console.String())
	}
}

func TestGet_BeforeInitDiscards(t *testing.T) {
	globalLogger = nil
	defer func() { globalLogger = nil }()

	l := Get()
	if l == nil {
		t.Fatal("Get returned nil")
	}
	l.Error().Msg("dropped")
	if err := Close(); err != nil {
		t.Errorf("Close on nop logger: %v", err)
	}
}
