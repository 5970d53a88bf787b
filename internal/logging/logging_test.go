// internal/logging/logging_test.go
package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rogovsky/openhantek-1/internal/config"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"json to stdout", config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}},
		{"console to stderr", config.LoggingConfig{Level: "debug", Format: "console", Output: "stderr"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(&tt.cfg)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			logger.Info("Logger constructed")
		})
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := config.LoggingConfig{Level: "verbose", Format: "json", Output: "stdout"}
	if _, err := NewLogger(&cfg); err == nil {
		t.Fatal("NewLogger() error = nil, want level parse failure")
	}
}

func TestNewLoggerCreatesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hantekd.log")
	cfg := config.LoggingConfig{Level: "info", Format: "json", Output: path, MaxSize: 1}

	logger, err := NewLogger(&cfg)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	logger.Info("File output probe")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file not created: %v", err)
	}
}

func TestServiceLoggerAPIRequestLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sl := NewServiceLogger(zap.New(core), "http-server")

	sl.LogAPIRequest("GET", "/api/v1/devices", "agent", "127.0.0.1", 200, 5*time.Millisecond)
	sl.LogAPIRequest("POST", "/api/v1/devices/1-4/connect", "agent", "127.0.0.1", 404, time.Millisecond)
	sl.LogAPIRequest("GET", "/api/v1/health", "agent", "127.0.0.1", 500, time.Millisecond)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("logged %d entries, want 3", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, want := range wantLevels {
		if entries[i].Level != want {
			t.Errorf("entry %d level = %v, want %v", i, entries[i].Level, want)
		}
	}

	ctx := entries[0].ContextMap()
	if ctx["service"] != "http-server" {
		t.Errorf("service field = %v, want %q", ctx["service"], "http-server")
	}
	if ctx["status_code"] != int64(200) {
		t.Errorf("status_code field = %v, want 200", ctx["status_code"])
	}
}

func TestServiceLoggerLifecycleEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sl := NewServiceLogger(zap.New(core), "hantekd")

	sl.LogServiceStart("1.0.0", nil)
	sl.LogServiceStop("shutdown signal received")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}
	if entries[0].Message != "Service starting" || entries[1].Message != "Service stopping" {
		t.Errorf("messages = %q/%q, want starting/stopping pair",
			entries[0].Message, entries[1].Message)
	}
	if got := entries[0].ContextMap()["version"]; got != "1.0.0" {
		t.Errorf("version field = %v, want %q", got, "1.0.0")
	}
}
