// Package log provides the leveled, structured logger used throughout the
// module. It mirrors the Logger interface the rest of the stack is written
// against: Debugf/Infof/Warnf/Errorf for formatted messages, Warn/Info for
// plain ones, and New(name) for a named child logger.
package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
)

// Level is a logging level, ordered least to most severe.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Format selects the console rendering of log records.
type Format int8

const (
	// FormatUnstructured renders a human-friendly colorized line.
	FormatUnstructured Format = iota
	// FormatJSON renders one JSON object per line.
	FormatJSON
)

// Logger is the logging interface every subsystem is handed at
// construction. Nil loggers are never passed around; callers use
// DiscardLogger instead.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Info(args ...any)
	Warn(args ...any)
	Warnln(args ...any)
	// New returns a child logger tagged with name, e.g. logger.New("PEERS").
	New(name string) Logger
}

type options struct {
	w      io.Writer
	level  Level
	format Format
}

// Option configures a Logger constructed with New.
type Option func(*options)

func WithWriter(w io.Writer) Option { return func(o *options) { o.w = w } }
func WithLevel(l Level) Option      { return func(o *options) { o.level = l } }
func WithFormat(f Format) Option    { return func(o *options) { o.format = f } }

func levelToZerolog(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

type zlogger struct {
	l zerolog.Logger
}

// New constructs a Logger. With no options it writes unstructured,
// colorized lines to stderr at info level.
func New(opts ...Option) Logger {
	o := &options{w: os.Stderr, level: LevelInfo, format: FormatUnstructured}
	for _, opt := range opts {
		opt(o)
	}

	w := o.w
	if o.format == FormatUnstructured {
		out, noColor := consoleOut(o.w)
		w = zerolog.ConsoleWriter{Out: out, NoColor: noColor, TimeFormat: time.Kitchen}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(levelToZerolog(o.level))
	return &zlogger{l: zl}
}

// consoleOut wraps an *os.File for colorized output; non-file writers are
// used as is, with color disabled (plain output). The bool reports NoColor.
func consoleOut(w io.Writer) (io.Writer, bool) {
	if f, ok := w.(*os.File); ok {
		return colorable.NewColorable(f), false
	}
	return w, true
}

func (z *zlogger) Debugf(format string, args ...any) { z.l.Debug().Msg(fmt.Sprintf(format, args...)) }
func (z *zlogger) Infof(format string, args ...any)  { z.l.Info().Msg(fmt.Sprintf(format, args...)) }
func (z *zlogger) Warnf(format string, args ...any)  { z.l.Warn().Msg(fmt.Sprintf(format, args...)) }
func (z *zlogger) Errorf(format string, args ...any) { z.l.Error().Msg(fmt.Sprintf(format, args...)) }
func (z *zlogger) Info(args ...any)                  { z.l.Info().Msg(fmt.Sprint(args...)) }
func (z *zlogger) Warn(args ...any)                  { z.l.Warn().Msg(fmt.Sprint(args...)) }
func (z *zlogger) Warnln(args ...any)                { z.l.Warn().Msg(fmt.Sprint(args...)) }

func (z *zlogger) New(name string) Logger {
	return &zlogger{l: z.l.With().Str("sub", name).Logger()}
}

type discard struct{}

// DiscardLogger is the default Logger for subsystems constructed without an
// explicit one, matching the teacher's log.DiscardLogger convention.
var DiscardLogger Logger = discard{}

func (discard) Debugf(string, ...any) {}
func (discard) Infof(string, ...any)  {}
func (discard) Warnf(string, ...any)  {}
func (discard) Errorf(string, ...any) {}
func (discard) Info(...any)           {}
func (discard) Warn(...any)           {}
func (discard) Warnln(...any)         {}
func (discard) New(string) Logger     { return discard{} }
