// Package logging provides leveled logging for the go-camdrv project.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger with the project's level and key-value
// conventions.
type Logger struct {
	log *logrus.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: os.Stderr,
	}
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// NewLogger creates a new logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(output)
	l.SetLevel(toLogrusLevel(config.Level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return &Logger{log: l}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// fields converts key-value pairs to logrus fields. A trailing key without a
// value is dropped.
func fields(args []any) logrus.Fields {
	if len(args) == 0 {
		return nil
	}
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		f[key] = args[i+1]
	}
	return f
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log.WithFields(fields(args)).Debug(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log.WithFields(fields(args)).Info(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log.WithFields(fields(args)).Warn(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log.WithFields(fields(args)).Error(msg)
}

// Printf-style logging
func (l *Logger) Debugf(format string, args ...any) {
	l.log.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.log.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log.Errorf(format, args...)
}

// Printf for compatibility
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

func Debugf(format string, args ...any) {
	Default().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	Default().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	Default().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	Default().Errorf(format, args...)
}
