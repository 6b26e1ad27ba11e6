// Package logger provides the structured logging wrapper used across every
// pipeline component.
package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// root logger
var log atomic.Pointer[Logger]

// ValidLogLevels enumerates the log levels accepted in configuration.
var ValidLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Logger wraps zap.SugaredLogger to provide a consistent logging interface across the project.
// It provides both structured logging (with fields) and printf-style logging methods.
type Logger struct {
	*zap.SugaredLogger
}

// NewLogger creates a new logger with the specified configuration.
// level can be "debug", "info", "warn", "error"
// development mode enables stack traces and uses console encoder
func NewLogger(level string, development bool) (*Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	// Parse log level
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	// Build logger
	zapLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNopLogger creates a no-op logger that discards all logs.
// Useful for testing.
func NewNopLogger() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

// WithComponent creates a child logger tagged with a "component" field. The
// RPC gateway, cache maintenance coordinator, historical fetcher, live
// follower, event stream, dispatcher and orchestrator pipeline each call
// this once when constructed; the cache store and source resolver do not.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{SugaredLogger: l.With("component", component)}
}

// WithNetwork adds a "network" field, used by every per-network worker.
func (l *Logger) WithNetwork(network string) *Logger {
	return &Logger{SugaredLogger: l.With("network", network)}
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.Sync()
}

// GetDefaultLogger returns a process-wide fallback logger, built lazily at
// debug/development level if nothing has configured one yet.
func GetDefaultLogger() *Logger {
	l := log.Load()
	if l != nil {
		return l
	}
	// default level: debug
	zapLogger, err := NewLogger("debug", true)
	if err != nil {
		panic(err)
	}
	log.Store(zapLogger)
	return log.Load()
}

// SetDefaultLogger overrides the process-wide fallback logger.
func SetDefaultLogger(l *Logger) {
	log.Store(l)
}

// componentLevels is satisfied by config.LoggingConfig without creating an
// import cycle: pkg/config depends on this package, not the reverse.
type componentLevels interface {
	GetComponentLevel(component string) string
	IsDevelopment() bool
}

// NewComponentLoggerFromConfig builds a component-scoped logger honoring
// per-component level overrides.
func NewComponentLoggerFromConfig(component string, cfg componentLevels) *Logger {
	level := "info"
	if cfg != nil {
		level = cfg.GetComponentLevel(component)
	}
	l, err := NewLogger(level, cfg != nil && cfg.IsDevelopment())
	if err != nil {
		l = GetDefaultLogger()
	}
	return l.WithComponent(component)
}
