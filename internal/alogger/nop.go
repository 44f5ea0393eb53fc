package alogger

import "github.com/Laboratory-for-Safe-and-Secure-Systems/kritis3m_ra/internal/common"

// nopLogger is a do-nothing logger which can be used if no logger is
// provided to a component.
type nopLogger struct{}

// nopLogEvent is a do-nothing log event.
type nopLogEvent struct{}

func (l *nopLogger) Errorf(format string, args ...interface{}) {}

func (l *nopLogger) Errorw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Warnf(format string, args ...interface{}) {}

func (l *nopLogger) Warnw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Infof(format string, args ...interface{}) {}

func (l *nopLogger) Infow(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) Debugf(format string, args ...interface{}) {}

func (l *nopLogger) Debugw(msg string, keysAndValues ...interface{}) {}

func (l *nopLogger) With(keysAndValues ...interface{}) common.Logger {
	return l
}

// Info returns a new no-op log event
func (l *nopLogger) Info() common.LogEvent {
	return &nopLogEvent{}
}

// Fatal returns a new no-op log event
func (l *nopLogger) Fatal() common.LogEvent {
	return &nopLogEvent{}
}

func (e *nopLogEvent) Msg(msg string) {}

func (e *nopLogEvent) Msgf(format string, args ...interface{}) {}

func (e *nopLogEvent) Err(err error) common.LogEvent {
	return e
}

func (e *nopLogEvent) Str(key, val string) common.LogEvent {
	return e
}

// Nop returns a logger which discards everything.
func Nop() common.Logger {
	return &nopLogger{}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l common.Logger) common.Logger {
	if l == nil {
		return Nop()
	}

	return l
}
