package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	logger, err := New(Config{Level: "not-a-level", Format: "json"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be enabled by default")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be disabled at the info default")
	}
}

func TestNewBuildsConsoleEncoder(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestMustNewPanicsNever(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustNew panicked unexpectedly: %v", r)
		}
	}()
	_ = MustNew(Config{Level: "warn", Format: "json"})
}
