package intelpt

import "github.com/sirupsen/logrus"

// logrusLogger adapts the Logger interface to logrus.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds a Logger backed by logger, tagging every line with
// traceID so concurrent decoders' logs can be told apart.
func NewLogrusLogger(logger *logrus.Logger, traceID string) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logger.WithField("trace_id", traceID)}
}

func (l *logrusLogger) Logf(level LogLevel, format string, args ...any) {
	switch level {
	case LogError:
		l.entry.Errorf(format, args...)
	case LogWarn:
		l.entry.Warnf(format, args...)
	default:
		l.entry.Debugf(format, args...)
	}
}
