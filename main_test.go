package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/shadowserver-mail/config"
)

func TestSetupLogger_Levels(t *testing.T) {
	tests := []struct {
		level    string
		enabled  slog.Level
		disabled slog.Level
	}{
		{level: "debug", enabled: slog.LevelDebug},
		{level: "info", enabled: slog.LevelInfo, disabled: slog.LevelDebug},
		{level: "warn", enabled: slog.LevelWarn, disabled: slog.LevelInfo},
		{level: "error", enabled: slog.LevelError, disabled: slog.LevelWarn},
		{level: "", enabled: slog.LevelInfo, disabled: slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run("level="+tt.level, func(t *testing.T) {
			logger, cleanup, err := setupLogger(config.Config{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("setupLogger() error = %v", err)
			}
			defer cleanup()

			ctx := context.Background()
			if !logger.Enabled(ctx, tt.enabled) {
				t.Errorf("level %s should be enabled", tt.enabled)
			}
			if tt.level != "debug" && logger.Enabled(ctx, tt.disabled) {
				t.Errorf("level %s should be disabled", tt.disabled)
			}
		})
	}
}

func TestSetupLogger_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, cleanup, err := setupLogger(config.Config{LogLevel: "info", LogDir: dir})
	if err != nil {
		t.Fatalf("setupLogger() error = %v", err)
	}
	logger.Info("report parsed", "messageID", "sinkhole-1@shadowserver.org")
	logger.Debug("hidden detail")
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup() error = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "shadowserver-mail-*.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("log files = %v, want exactly one", matches)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, `msg="report parsed"`) || !strings.Contains(content, "messageID=sinkhole-1@shadowserver.org") {
		t.Errorf("log file missing info line: %q", content)
	}
	if strings.Contains(content, "hidden detail") {
		t.Errorf("debug line written at info level: %q", content)
	}
}
