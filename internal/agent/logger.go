package agent

import (
	"fmt"
	"log"
	"time"
)

// Logger writes categorized, prefixed log lines. The ALERT prefix is the
// operator contract: external monitoring greps for it.
type Logger struct {
	enabled bool
}

func NewLogger(enabled bool) *Logger {
	return &Logger{enabled: enabled}
}

func (l *Logger) logWithPrefix(prefix, format string, args ...any) {
	if !l.enabled {
		return
	}
	timestamp := time.Now().Format("15:04:05")
	log.Printf("[%s] %s %s", timestamp, prefix, fmt.Sprintf(format, args...))
}

// Start logs initialization and startup messages.
func (l *Logger) Start(format string, args ...any) {
	l.logWithPrefix("🚀 START", format, args...)
}

// Success logs successful completion of operations.
func (l *Logger) Success(format string, args ...any) {
	l.logWithPrefix("✅ SUCCESS", format, args...)
}

// Info logs informational messages and state changes.
func (l *Logger) Info(format string, args ...any) {
	l.logWithPrefix("ℹ️  INFO", format, args...)
}

// Process logs active processing operations.
func (l *Logger) Process(format string, args ...any) {
	l.logWithPrefix("⚙️  PROCESS", format, args...)
}

// Warning logs recoverable issues.
func (l *Logger) Warning(format string, args ...any) {
	l.logWithPrefix("⚠️  WARNING", format, args...)
}

// Error logs failures.
func (l *Logger) Error(format string, args ...any) {
	l.logWithPrefix("❌ ERROR", format, args...)
}

// Stop logs shutdown and cleanup operations.
func (l *Logger) Stop(format string, args ...any) {
	l.logWithPrefix("🛑 STOP", format, args...)
}

// Alert logs an operator-visible alert. Always emitted regardless of the
// enabled flag; ALERT lines are what paging systems match on.
func (l *Logger) Alert(format string, args ...any) {
	timestamp := time.Now().Format("15:04:05")
	log.Printf("[%s] 🚨 ALERT %s", timestamp, fmt.Sprintf(format, args...))
}
