package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"none":    LevelNone,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLoggerWritesLeveledLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qraftd.log")

	l, err := New(LevelInfo, path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.Debug("should be filtered")
	l.Info("hello %s", "world")
	l.Error("boom")

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	content := string(data)

	if strings.Contains(content, "should be filtered") {
		t.Error("debug line should have been filtered at info level")
	}
	if !strings.Contains(content, "[INFO] hello world") {
		t.Errorf("missing info line, got: %s", content)
	}
	if !strings.Contains(content, "[ERROR] boom") {
		t.Errorf("missing error line, got: %s", content)
	}
}

func TestLoggerDisabled(t *testing.T) {
	l, err := New(LevelNone, "")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	// Must not panic or write anywhere.
	l.Info("nope")
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
