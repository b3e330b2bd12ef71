package logger

import (
	"io"
	"os"
	"syscall"
	"time"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"github.com/rs/zerolog"
)

var log = &zlogger{z: zerolog.New(os.Stdout).With().Timestamp().Logger()}

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

type zlogger struct {
	z zerolog.Logger
}

// Init initializes the global logger with a console writer
func Init(level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = &zlogger{z: zerolog.New(output).With().Timestamp().Logger()}

	SetLogLevel(level)
}

// New creates a logger writing JSON lines to w
func New(w io.Writer) Logger {
	return &zlogger{z: zerolog.New(w).With().Timestamp().Logger()}
}

// Default returns the global logger as a Logger value
func Default() Logger {
	return log
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel maps a configured level name to a LogLevel
func ParseLevel(name string) (LogLevel, error) {
	switch name {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, name)
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

func (l *zlogger) Debug() *LogEvent {
	return &LogEvent{l.z.Debug()}
}

func (l *zlogger) Info() *LogEvent {
	return &LogEvent{l.z.Info()}
}

func (l *zlogger) Warn() *LogEvent {
	return &LogEvent{l.z.Warn()}
}

func (l *zlogger) Error() *LogEvent {
	return &LogEvent{l.z.Error()}
}

func (l *zlogger) ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{withCode(l.z.Error(), err)}
}

func (l *zlogger) WarnWithCode(err errors.Error) *LogEvent {
	return &LogEvent{withCode(l.z.Warn(), err)}
}

func (l *zlogger) ErrorWithContext(err errors.Error, component, operation string) *LogEvent {
	return &LogEvent{withCode(l.z.Error(), err).
		Str("component", component).
		Str("operation", operation)}
}

func (l *zlogger) With(component string) Logger {
	return &zlogger{z: l.z.With().Str("component", component).Logger()}
}

func withCode(e *zerolog.Event, err errors.Error) *zerolog.Event {
	return e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())
}

// Debug logs a debug message
func Debug() *LogEvent {
	return log.Debug()
}

// Info logs an info message
func Info() *LogEvent {
	return log.Info()
}

// Warn logs a warning message
func Warn() *LogEvent {
	return log.Warn()
}

// Error logs an error message
func Error() *LogEvent {
	return log.Error()
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return log.ErrorWithCode(err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.z.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return &LogEvent{withCode(log.z.Fatal(), err)}
}
