package agentdb

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is threaded through every component via constructor options; no
// component reaches for a package-level global logger.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	With(fields map[string]interface{}) Logger
}

// NopLogger discards everything; it is the default when no Logger is
// supplied in Config.
type NopLogger struct{}

func (NopLogger) Debug(string, map[string]interface{})        {}
func (NopLogger) Info(string, map[string]interface{})         {}
func (NopLogger) Warn(string, map[string]interface{})         {}
func (NopLogger) Error(string, error, map[string]interface{}) {}
func (n NopLogger) With(map[string]interface{}) Logger        { return n }

// zerologLogger backs Logger with structured, leveled output.
type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger returns a Logger that writes structured JSON to w
// (os.Stderr if w is nil) via zerolog.
func NewZerologLogger(w *os.File) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (l *zerologLogger) event(e *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (l *zerologLogger) Debug(msg string, fields map[string]interface{}) {
	l.event(l.logger.Debug(), msg, fields)
}

func (l *zerologLogger) Info(msg string, fields map[string]interface{}) {
	l.event(l.logger.Info(), msg, fields)
}

func (l *zerologLogger) Warn(msg string, fields map[string]interface{}) {
	l.event(l.logger.Warn(), msg, fields)
}

func (l *zerologLogger) Error(msg string, err error, fields map[string]interface{}) {
	e := l.logger.Error().Err(err)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (l *zerologLogger) With(fields map[string]interface{}) Logger {
	ctx := l.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zerologLogger{logger: ctx.Logger()}
}
