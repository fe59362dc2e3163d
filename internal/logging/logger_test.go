package logging

import (
	"bytes"
	"strings"
	"testing"
)

func newBufLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&Config{Level: level, Output: &buf}), &buf
}

func TestNewLoggerNilConfigUsesDefaults(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newBufLogger(LevelInfo)

	logger.Debug("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("debug message leaked through an info-level logger: %s", buf.String())
	}

	logger.Info("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("info message missing from output: %s", buf.String())
	}
}

func TestKeyValueFormatting(t *testing.T) {
	logger, buf := newBufLogger(LevelDebug)

	logger.Debug("allocated", "pages", 4, "order", 2)
	out := buf.String()
	if !strings.Contains(out, "pages=4") || !strings.Contains(out, "order=2") {
		t.Errorf("expected key=value pairs in output, got: %s", out)
	}
	if !strings.Contains(out, "[DEBUG]") {
		t.Errorf("expected level prefix in output, got: %s", out)
	}
}

func TestWithComponentPrefixesMessages(t *testing.T) {
	logger, buf := newBufLogger(LevelDebug)

	frameLogger := logger.WithComponent("frame")
	frameLogger.Info("region added")

	out := buf.String()
	if !strings.Contains(out, "[frame]") {
		t.Errorf("expected [frame] component tag in output, got: %s", out)
	}

	// The parent logger stays untagged.
	buf.Reset()
	logger.Info("bare message")
	if strings.Contains(buf.String(), "[frame]") {
		t.Errorf("parent logger should not carry the child's component tag: %s", buf.String())
	}
}

func TestPrintfStyleHelpers(t *testing.T) {
	logger, buf := newBufLogger(LevelDebug)

	logger.Infof("booted with %d cpus", 4)
	if !strings.Contains(buf.String(), "booted with 4 cpus") {
		t.Errorf("Infof output = %s", buf.String())
	}

	buf.Reset()
	logger.Warnf("affinity failed on cpu %d", 1)
	if !strings.Contains(buf.String(), "affinity failed on cpu 1") {
		t.Errorf("Warnf output = %s", buf.String())
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	defer SetDefault(old)

	Debug("debug message", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "debug message") || !strings.Contains(out, "key=value") {
		t.Errorf("Debug output = %s", out)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("Info output = %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("Warn output = %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Error output = %s", buf.String())
	}
}
