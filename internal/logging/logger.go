// Package logging provides the engine's leveled logger, backed by zerolog
// so every other package gets structured, low-allocation logging instead of
// a hand-rolled fmt.Sprintf wrapper (spec's ambient-stack carries a real
// logging library even though logging itself sits outside spec.md's scope).
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the engine's own leveled-logging vocabulary, translated to a
// zerolog.Level at construction so callers never import zerolog directly.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls a Logger's construction.
type Config struct {
	Level LogLevel
	// Format selects "json" (the zero-allocation default zerolog writer) or
	// "text" (zerolog.ConsoleWriter, human-readable for local runs).
	Format  string
	Output  io.Writer
	// Sync is not read by NewLogger: zerolog already writes synchronously
	// to Output, and setting this field changes nothing.
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration: info level, text
// (console) output to stderr.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Format: "text", Output: os.Stderr}
}

// Logger wraps a zerolog.Logger with the engine's fixed set of contextual
// fields (entity, request, error) as typed helpers instead of an untyped
// key/value slice at every call site.
type Logger struct {
	z zerolog.Logger
}

// NewLogger builds a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	var w io.Writer = output
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: output, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(w).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{z: z}
}

// WithEntity returns a child Logger tagging every subsequent log line with
// entity_id, for one CommEntity's worth of log output.
func (l *Logger) WithEntity(id string) *Logger {
	return &Logger{z: l.z.With().Str("entity_id", id).Logger()}
}

// WithRequest returns a child Logger tagging every subsequent log line with
// a request's req_id and the operation being performed.
func (l *Logger) WithRequest(reqID uint64, op string) *Logger {
	return &Logger{z: l.z.With().Uint64("req_id", reqID).Str("op", op).Logger()}
}

// WithError returns a child Logger that attaches err to every subsequent
// log line's "error" field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{z: l.z.With().Err(err).Logger()}
}

func logKV(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (l *Logger) Debug(msg string, kv ...any) { logKV(l.z.Debug(), kv).Msg(msg) }
func (l *Logger) Info(msg string, kv ...any)  { logKV(l.z.Info(), kv).Msg(msg) }
func (l *Logger) Warn(msg string, kv ...any)  { logKV(l.z.Warn(), kv).Msg(msg) }
func (l *Logger) Error(msg string, kv ...any) { logKV(l.z.Error(), kv).Msg(msg) }

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Default returns the process-wide default Logger, creating one from
// DefaultConfig on first use.
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

// SetDefault replaces the process-wide default Logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func Debug(msg string, kv ...any) { Default().Debug(msg, kv...) }
func Info(msg string, kv ...any)  { Default().Info(msg, kv...) }
func Warn(msg string, kv ...any)  { Default().Warn(msg, kv...) }
func Error(msg string, kv ...any) { Default().Error(msg, kv...) }
