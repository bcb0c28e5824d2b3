package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Error("messages below the configured level were emitted")
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Error("messages at or above the configured level were suppressed")
	}
}

func TestLoggerKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("endpoint reset", "endpoint", 0x81, "timeout_ms", 100)

	out := buf.String()
	if !strings.Contains(out, "endpoint=129") {
		t.Errorf("missing endpoint field in %q", out)
	}
	if !strings.Contains(out, "timeout_ms=100") {
		t.Errorf("missing timeout field in %q", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	defer SetDefault(old)

	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	Infof("streaming %s", "depth")

	if !strings.Contains(buf.String(), "streaming depth") {
		t.Error("default logger did not receive the message")
	}
}
