package kensaku

import "fmt"

// Log levels for the package logger.
const (
	DebugLevel = iota
	InfoLevel
	ErrorLevel
)

var (
	// LogLevel controls the verbosity of the default logger.
	LogLevel = InfoLevel
	// Logger receives diagnostic output from the engine. Replace it to route
	// logs into the host application's logging stack.
	Logger EngineLogger = &DefaultLogger{}
)

// EngineLogger is the logging interface consumed by the engine.
type EngineLogger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// DefaultLogger is a console logger built on the fmt package.
type DefaultLogger struct{}

// Debugf logs a debug message when LogLevel permits.
func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if LogLevel <= DebugLevel {
		fmt.Printf("[kensaku debug] "+format+"\n", v...)
	}
}

// Infof logs an informational message when LogLevel permits.
func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	if LogLevel <= InfoLevel {
		fmt.Printf("[kensaku info] "+format+"\n", v...)
	}
}

// Errorf logs an error message.
func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	fmt.Printf("[kensaku error] "+format+"\n", v...)
}
