package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/c66w/business-cooperation-sub000/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "DEBUG", Format: "json"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level should be enabled")
	}

	logger, err = New(config.LogConfig{Format: "console"})
	if err != nil {
		t.Fatalf("new console: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("default level should be info")
	}

	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("unknown level should fail")
	}
}
