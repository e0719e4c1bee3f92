package rpc

import "log"

// Logger is the interface for structured logging in the RPC core.
// This enables dependency injection of loggers for testability.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// defaultLogger wraps the standard log package.
type defaultLogger struct{}

func (l *defaultLogger) Debug(msg string, keysAndValues ...any) {
	log.Printf("[DEBUG] %s %v", msg, keysAndValues)
}

func (l *defaultLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (l *defaultLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (l *defaultLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

// DefaultLogger returns a logger backed by the standard log package.
func DefaultLogger() Logger { return &defaultLogger{} }

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, keysAndValues ...any) {}
func (l *noopLogger) Info(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Warn(msg string, keysAndValues ...any)  {}
func (l *noopLogger) Error(msg string, keysAndValues ...any) {}

// NoopLogger returns a logger that discards all output.
func NoopLogger() Logger { return &noopLogger{} }
