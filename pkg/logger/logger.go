// Package logger provides a shared zap-backed logger for the application.
//
// Commands call Initialize once at startup; everything else uses the
// package-level logging functions.
package logger

import (
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.SugaredLogger
	once sync.Once
)

// Initialize sets up the package-level logger. Debug mode (human-readable
// console output, debug level) is enabled when the viper "debug" key is set;
// otherwise logs are structured JSON at info level on stderr.
func Initialize() {
	once.Do(func() {
		log = newSugaredLogger(viper.GetBool("debug"))
	})
}

func newSugaredLogger(debug bool) *zap.SugaredLogger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	// Keep stdout clean for commands that emit data (TSV, JSON).
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}

// ensure returns the logger, initializing a default one if Initialize was
// never called (library use, tests).
func ensure() *zap.SugaredLogger {
	if log == nil {
		Initialize()
	}
	return log
}

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { ensure().Debugf(format, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { ensure().Infof(format, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { ensure().Warnf(format, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { ensure().Errorf(format, args...) }

// Debugw logs a message with structured key-value pairs at debug level.
func Debugw(msg string, keysAndValues ...any) { ensure().Debugw(msg, keysAndValues...) }

// Infow logs a message with structured key-value pairs at info level.
func Infow(msg string, keysAndValues ...any) { ensure().Infow(msg, keysAndValues...) }

// Warnw logs a message with structured key-value pairs at warn level.
func Warnw(msg string, keysAndValues ...any) { ensure().Warnw(msg, keysAndValues...) }

// Errorw logs a message with structured key-value pairs at error level.
func Errorw(msg string, keysAndValues ...any) { ensure().Errorw(msg, keysAndValues...) }

// Sync flushes buffered log entries. Intended to be deferred from main.
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
