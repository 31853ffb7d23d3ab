package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level    string
		expected zapcore.Level
	}{
		{level: "debug", expected: zapcore.DebugLevel},
		{level: "", expected: zapcore.InfoLevel},
		{level: " WARN ", expected: zapcore.WarnLevel},
		{level: "error", expected: zapcore.ErrorLevel},
		{level: "verbose", expected: zapcore.InfoLevel},
	}

	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, "json")
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", testCase.level, err)
		}
		if !logger.Core().Enabled(testCase.expected) {
			t.Fatalf("level %q: expected %s enabled", testCase.level, testCase.expected)
		}
		if testCase.expected > zapcore.DebugLevel && logger.Core().Enabled(testCase.expected-1) {
			t.Fatalf("level %q: expected %s disabled", testCase.level, testCase.expected-1)
		}
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("info", "console")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected logger")
	}
}
