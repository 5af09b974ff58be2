package utils

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"fatal", zapcore.FatalLevel},
		{"garbage", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitLoggerFallsBackOnBadOutput(t *testing.T) {
	// Недоступный путь не должен ронять процесс
	logger := InitLogger(LogConfig{
		Level:  "info",
		Format: "json",
		Output: "/nonexistent/dir/app.log",
	})
	if logger == nil {
		t.Fatal("InitLogger returned nil")
	}
	logger.Info("still alive")
}

func TestWithComponentDoesNotMutateParent(t *testing.T) {
	parent := InitLogger(LogConfig{Level: "error", Format: "text"})
	child := parent.WithComponent("scheduler")

	if child == parent {
		t.Error("WithComponent must return a new logger")
	}
	if child.Sugar() == nil {
		t.Error("derived logger lost its sugar")
	}
}

func TestGlobalLogger(t *testing.T) {
	custom := InitLogger(LogConfig{Level: "error", Format: "text"})
	SetGlobalLogger(custom)
	defer SetGlobalLogger(nil)

	if L() != custom {
		t.Error("L() must return the configured global logger")
	}

	SetGlobalLogger(nil)
	if L() == nil {
		t.Error("L() must lazily create a default logger")
	}
}

func TestDomainFields(t *testing.T) {
	if f := Symbol("BTCUSDT"); f.Key != "symbol" || f.String != "BTCUSDT" {
		t.Errorf("Symbol field = %+v", f)
	}
	if f := PlanID("p1"); f.Key != "plan_id" {
		t.Errorf("PlanID key = %s", f.Key)
	}
	if f := Attempt(3); f.Key != "attempt" || f.Integer != 3 {
		t.Errorf("Attempt field = %+v", f)
	}
	if f := Latency(12.5); f.Key != "latency_ms" {
		t.Errorf("Latency key = %s", f.Key)
	}
}
