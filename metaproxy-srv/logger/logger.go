package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	// TRACE level for wire-level detail (handshake bytes, relay progress)
	TRACE LogLevel = iota
	// DEBUG level for detailed troubleshooting information
	DEBUG
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	currentLevel atomic.Int32
	stdLogger    = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func IsLevelEnabled(level LogLevel) bool {
	return level >= GetLevel()
}

// SetOutput redirects all log output to w.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

// GetLevelFromString converts a string level to LogLevel
func GetLevelFromString(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

func levelToString(level LogLevel) string {
	switch level {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level LogLevel, prefix, format string, v ...any) {
	if level < GetLevel() {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if prefix != "" {
		stdLogger.Printf("[%s] %s %s", levelToString(level), prefix, msg)
		return
	}
	stdLogger.Printf("[%s] %s", levelToString(level), msg)
}

// Trace logs a trace message
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, "", format, v...)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, "", format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, "", format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, "", format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, "", format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, "", format, v...)
	os.Exit(1)
}

// Scope is a logger that prefixes every message with key=value context,
// e.g. the port, connection id and phase a proxied connection is in.
type Scope struct {
	prefix string
}

// With returns a root scope carrying the given key/value pair.
func With(key string, value any) *Scope {
	return (&Scope{}).With(key, value)
}

// With returns a child scope with one more key/value pair. The receiver is
// not modified, so scopes can be shared between goroutines.
func (s *Scope) With(key string, value any) *Scope {
	kv := fmt.Sprintf("%s=%v", key, value)
	if s == nil || s.prefix == "" {
		return &Scope{prefix: kv}
	}
	return &Scope{prefix: s.prefix + " " + kv}
}

// Prefix returns the rendered key=value context.
func (s *Scope) Prefix() string {
	if s == nil {
		return ""
	}
	return s.prefix
}

func (s *Scope) Trace(format string, v ...any) { logMessage(TRACE, s.Prefix(), format, v...) }
func (s *Scope) Debug(format string, v ...any) { logMessage(DEBUG, s.Prefix(), format, v...) }
func (s *Scope) Info(format string, v ...any)  { logMessage(INFO, s.Prefix(), format, v...) }
func (s *Scope) Warn(format string, v ...any)  { logMessage(WARN, s.Prefix(), format, v...) }
func (s *Scope) Error(format string, v ...any) { logMessage(ERROR, s.Prefix(), format, v...) }
