package logger

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	var buf bytes.Buffer
	oldOutput := stdLogger.Writer()
	stdLogger.SetOutput(&buf)
	defer stdLogger.SetOutput(oldOutput)

	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		SetLevel(level)
		assert.Equal(t, level, GetLevel())
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"warning alias", "warning", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"mixed case warn", "WaRn", WARN},
		{"padded", "  error ", ERROR},
		{"unknown level", "UNKNOWN", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedLevel, GetLevelFromString(tt.levelStr))
		})
	}
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "TRACE", levelToString(TRACE))
	assert.Equal(t, "WARN", levelToString(WARN))
	assert.Equal(t, "UNKNOWN", levelToString(LogLevel(99)))
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		logFunc         func(string, ...any)
		shouldBePrinted bool
	}{
		{"debug with debug level", DEBUG, Debug, true},
		{"trace with debug level", DEBUG, Trace, false},
		{"debug with info level", INFO, Debug, false},
		{"info with info level", INFO, Info, true},
		{"warn with error level", ERROR, Warn, false},
		{"error with warn level", WARN, Error, true},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)
			output := captureOutput(func() {
				tt.logFunc("test message")
			})
			if tt.shouldBePrinted {
				assert.Contains(t, output, "test message")
			} else {
				assert.Empty(t, output)
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	output := captureOutput(func() {
		Error("error: %v, code: %d", fmt.Errorf("test error"), 502)
	})
	assert.Contains(t, output, "[ERROR]")
	assert.Contains(t, output, "error: test error, code: 502")
}

func TestScopePrefixesContext(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	root := With("port", 9000)
	child := root.With("phase", "handshake")

	output := captureOutput(func() {
		child.Warn("upstream said %d", 407)
	})

	assert.Contains(t, output, "[WARN] port=9000 phase=handshake upstream said 407")
	assert.Equal(t, "port=9000", root.Prefix(), "With must not mutate the parent scope")
}

func TestNilScopeLogsWithoutPrefix(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(INFO)

	var s *Scope
	output := captureOutput(func() {
		s.Info("plain")
	})
	assert.True(t, strings.HasSuffix(strings.TrimSpace(output), "[INFO] plain"), output)
}
