package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDebugLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "debug.log")

	logger, err := NewDebugLogger(logPath)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	logger.Log("hello %s", "world")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Errorf("expected log file to contain message, got: %s", data)
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	logger := NopLogger()
	logger.Log("this should be a no-op")

	var nilLogger *DebugLogger
	nilLogger.Log("nil logger should also be safe")
}

func TestDebugfUsesPackageLogger(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "debug.log")

	logger, err := NewDebugLogger(logPath)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	SetPackageLogger(logger)
	defer SetPackageLogger(nil)

	Debugf("via hook: %d", 42)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "via hook: 42") {
		t.Errorf("expected hook message in log file, got: %s", data)
	}
}
