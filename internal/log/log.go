// Package log provides the process-wide zap logger.
package log

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	base  *zap.Logger
	sugar *zap.SugaredLogger
)

// Init replaces the package logger. Debug enables the development encoder and
// debug-level output.
func Init(debug bool) error {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment(zap.AddCallerSkip(1))
	} else {
		l, err = zap.NewProduction(zap.AddCallerSkip(1))
	}
	if err != nil {
		return fmt.Errorf("init zap logger: %w", err)
	}
	base = l
	sugar = l.Sugar()
	return nil
}

// Logger returns a named child of the package logger for components that hold
// their own handle.
func Logger(name string) *zap.SugaredLogger {
	return get().Named(name)
}

func get() *zap.SugaredLogger {
	if sugar == nil {
		base = zap.NewNop()
		sugar = base.Sugar()
	}
	return sugar
}

// Sync flushes buffered entries.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}

func Debugf(template string, args ...interface{}) { get().Debugf(template, args...) }
func Infof(template string, args ...interface{})  { get().Infof(template, args...) }
func Warnf(template string, args ...interface{})  { get().Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { get().Errorf(template, args...) }

func Infow(msg string, keysAndValues ...interface{}) { get().Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{}) { get().Warnw(msg, keysAndValues...) }
