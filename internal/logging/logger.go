// Package logging wraps logrus behind the same small Logger interface the
// teacher protocol exposes to its peers, scoped per clone with structured
// fields instead of a bare stdlib log.Logger.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the contract every component in this module logs through.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	ToggleDebug(value bool) bool
	// With returns a child logger carrying an additional structured field.
	With(key string, value interface{}) Logger
}

// logrusLogger backs Logger with a *logrus.Entry.
type logrusLogger struct {
	entry *logrus.Entry
	base  *logrus.Logger
}

// New builds a Logger for the given clone/domain identity.
func New(cloneID, domain string) Logger {
	base := logrus.New()
	base.SetLevel(logrus.InfoLevel)
	entry := base.WithFields(logrus.Fields{
		"clone":  cloneID,
		"domain": domain,
	})
	return &logrusLogger{entry: entry, base: base}
}

func (l *logrusLogger) Info(v ...interface{})                  { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }
func (l *logrusLogger) Debug(v ...interface{})                 { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) { l.entry.Debugf(format, v...) }

func (l *logrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.base.SetLevel(logrus.DebugLevel)
	} else {
		l.base.SetLevel(logrus.InfoLevel)
	}
	return value
}

func (l *logrusLogger) With(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value), base: l.base}
}
