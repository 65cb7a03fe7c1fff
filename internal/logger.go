package internal

import (
	"log"
	"os"
)

type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

func NopLogger() Logger {
	return nopLogger{}
}

type ConsoleLogger struct {
	logger *log.Logger
	debug  bool
}

// NewConsoleLogger builds a ConsoleLogger with Debugf enabled.
func NewConsoleLogger() Logger {
	return NewConsoleLoggerLevel(true)
}

// NewConsoleLoggerLevel builds a ConsoleLogger whose Debugf is a no-op
// unless debug is true, so callers (e.g. a CLI's -v flag) can keep
// Infof/Warnf/Errorf visible while silencing frame-level tracing.
func NewConsoleLoggerLevel(debug bool) Logger {
	return &ConsoleLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags),
		debug:  debug,
	}
}

func (l *ConsoleLogger) Debugf(format string, args ...any) {
	if !l.debug {
		return
	}
	l.logger.Printf("[DEBUG] "+format, args...)
}

func (l *ConsoleLogger) Infof(format string, args ...any) {
	l.logger.Printf("[INFO]  "+format, args...)
}

func (l *ConsoleLogger) Warnf(format string, args ...any) {
	l.logger.Printf("[WARN]  "+format, args...)
}

func (l *ConsoleLogger) Errorf(format string, args ...any) {
	l.logger.Printf("[ERROR] "+format, args...)
}
