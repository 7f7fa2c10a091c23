// Package logging provides the structured logger used across the node.
//
// We wrap logrus behind a small interface rather than passing *logrus.Logger
// around directly, so packages depend on a shape we control instead of the
// logrus API itself — the same "thin wrapper over a third-party logger" shape
// the rest of this codebase's ancestry uses.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a shorthand for structured key/value log context.
type Fields map[string]any

// Logger is the minimal logging surface every package depends on.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	WithFields(Fields) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to w at the given level ("debug", "info",
// "warn", "error"). An unrecognised level falls back to "info".
func New(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewDefault builds a Logger writing to stderr at the given level.
func NewDefault(level string) Logger {
	return New(os.Stderr, level)
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithFields(f Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(logrus.Fields(f))}
}
