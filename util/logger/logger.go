package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bjoernblessin.de/udpmessaging/util/assert"
)

type LogLevel int32

const (
	None LogLevel = iota
	Warn
	Info
	Debug
	Trace
)

const LOG_LEVEL_ENV = "LOG_LEVEL"

var (
	logLevel atomic.Int32
	log      zerolog.Logger
)

func init() {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	log = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	envvar, present := os.LookupEnv(LOG_LEVEL_ENV)
	if !present {
		SetLogLevel(Info)
		return
	}

	level, ok := ParseLogLevel(envvar)
	if !ok {
		SetLogLevel(Info)
		Warnf("Unknown log level '%s', defaulting to INFO", envvar)
		return
	}
	SetLogLevel(level)
}

// ParseLogLevel converts a level name (case-insensitive) to a LogLevel.
// The second return value is false for unknown names.
func ParseLogLevel(name string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NONE":
		return None, true
	case "WARN":
		return Warn, true
	case "INFO":
		return Info, true
	case "DEBUG":
		return Debug, true
	case "TRACE":
		return Trace, true
	default:
		return Info, false
	}
}

func (l LogLevel) String() string {
	switch l {
	case None:
		return "NONE"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Trace:
		return "TRACE"
	default:
		return fmt.Sprintf("LogLevel(%d)", int32(l))
	}
}

// SetLogLevel changes the level for all subsequent log calls.
// Can be called concurrently.
func SetLogLevel(level LogLevel) {
	logLevel.Store(int32(level))
}

func GetLogLevel() LogLevel {
	return LogLevel(logLevel.Load())
}

func enabled(level LogLevel) bool {
	return GetLogLevel() >= level
}

// Errorf logs an error message and stops execution.
// After Errorf nothing will be executed anymore.
func Errorf(format string, v ...any) {
	log.Fatal().Msgf(format, v...)
	assert.Never()
}

// Panicf acts similar to [Errorf] but panics.
// All deferred functions will execute and a stack trace is printed.
// Technically you can recover from the panic, but that's not intended use.
func Panicf(format string, v ...any) {
	log.Panic().Msgf(format, v...)
	assert.Never()
}

// Warnf logs a message at WARN level.
func Warnf(format string, v ...any) {
	if !enabled(Warn) {
		return
	}
	log.Warn().Msgf(format, v...)
}

// Infof logs a message at INFO level.
func Infof(format string, v ...any) {
	if !enabled(Info) {
		return
	}
	log.Info().Msgf(format, v...)
}

// Debugf logs a message at DEBUG level.
func Debugf(format string, v ...any) {
	if !enabled(Debug) {
		return
	}
	log.Debug().Msgf(format, v...)
}

// Tracef logs per-segment chatter. Only enabled at TRACE level.
func Tracef(format string, v ...any) {
	if !enabled(Trace) {
		return
	}
	log.Trace().Msgf(format, v...)
}
