package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"ERROR", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := LevelString(test.level)
			if result != test.expected {
				t.Errorf("expected %q, got %q", test.expected, result)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("expected default format Text, got %v", cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSize <= 0 {
		t.Errorf("expected positive MaxSize, got %d", cfg.MaxSize)
	}
	if cfg.MaxAge <= 0 {
		t.Errorf("expected positive MaxAge, got %d", cfg.MaxAge)
	}
	if cfg.MaxBackups <= 0 {
		t.Errorf("expected positive MaxBackups, got %d", cfg.MaxBackups)
	}
}

func TestLoggerNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	if logger.Logger == nil {
		t.Error("logger.Logger is nil")
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Format = FormatJSON
	logger := NewWriter(cfg, &buf)

	logger.WithRequestID("pair-7").Info("attempt")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log entry: %v", err)
	}
	if entry["request_id"] != "pair-7" {
		t.Errorf("expected request_id pair-7, got %v", entry["request_id"])
	}
}

func TestLoggerWithComponent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	childLogger := logger.WithComponent("test-component")
	if childLogger == nil {
		t.Error("WithComponent returned nil")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"user_password", true},
		{"secret", true},
		{"api_key", true},
		{"apikey", true},
		{"token", true},
		{"auth_token", true},
		{"access_token", true},
		{"refresh_token", true},
		{"bearer", true},
		{"credential", true},
		{"private_key", true},
		{"session_id", false},
		{"pairing_code", true},
		{"device_id", false},
		{"fingerprint", false},
		{"cookie", true},
		{"username", false},
		{"email", false},
		{"name", false},
		{"id", false},
		{"timestamp", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			result := shouldRedact(test.key)
			if result != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, result, test.expected)
			}
		})
	}
}

func TestNewRequestID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"
	cfg.Component = "test"

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Close()

	id1 := logger.NewRequestID()
	id2 := logger.NewRequestID()

	if id1 == "" {
		t.Error("NewRequestID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewRequestID returned duplicate IDs")
	}
	if !strings.HasPrefix(id1, "test-") {
		t.Errorf("NewRequestID should start with component name, got %q", id1)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&Config{Level: LevelInfo, Format: FormatJSON, Component: "test"}, &buf)

	logger.Info("paired", "device_id", "abc", "auth_token", "f00d")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "paired" {
		t.Errorf("unexpected msg %v", entry["msg"])
	}
	if entry["component"] != "test" {
		t.Errorf("unexpected component %v", entry["component"])
	}
	if entry["device_id"] != "abc" {
		t.Errorf("unexpected device_id %v", entry["device_id"])
	}
	if entry["auth_token"] != "[REDACTED]" {
		t.Errorf("auth_token was not redacted: %v", entry["auth_token"])
	}
}

func TestSetLevelAffectsChildren(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&Config{Level: LevelInfo, Format: FormatText}, &buf)
	child := logger.WithComponent("session")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %q", buf.String())
	}

	logger.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug line missing after SetLevel: %q", buf.String())
	}
	if logger.Level() != LevelDebug {
		t.Errorf("expected debug level, got %v", logger.Level())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing to see")
	if err := logger.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestFileRotator(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1, // 1 MB
		MaxAge:     7,
		MaxBackups: 3,
		Compress:   false, // Disable for faster tests
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	// Write some data
	testData := []byte("test log line\n")
	n, err := rotator.Write(testData)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected to write %d bytes, wrote %d", len(testData), n)
	}

	// Verify file exists
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Error("log file was not created")
	}

	// Sync and close
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}

func TestFileRotatorRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	cfg := &Config{
		FilePath:   logPath,
		MaxSize:    1, // 1 MB
		MaxAge:     7,
		MaxBackups: 2,
		Compress:   false,
	}

	rotator, err := NewFileRotator(cfg)
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	line := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 40; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := rotator.GetLogFiles()
	if err != nil {
		t.Fatalf("failed to get log files: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected a rolled file, got %v", files)
	}
	if len(files) > 3 {
		t.Errorf("expected at most 2 backups, got %v", files)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat current log: %v", err)
	}
	if info.Size() > 1024*1024 {
		t.Errorf("current log exceeds max size: %d", info.Size())
	}
}

func TestFileRotatorCompress(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "c.log")
	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 3, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	rotator.Write([]byte("before\n"))
	if err := rotator.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	rotator.Write([]byte("after\n"))
	rotator.Close()

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(logPath), "c-*.log.gz"))
	if len(matches) != 1 {
		t.Errorf("expected one compressed backup, got %v", matches)
	}
}
