package whatsapp

import (
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// zapLogger routes whatsmeow logging into the global zap logger.
type zapLogger struct {
	s     *zap.SugaredLogger
	debug bool
}

func newLogger(module string, debug bool) waLog.Logger {
	return &zapLogger{s: zap.S().Named(module), debug: debug}
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) {
	if l.debug {
		l.s.Debugf(msg, args...)
	}
}

func (l *zapLogger) Infof(msg string, args ...interface{}) {
	l.s.Infof(msg, args...)
}

func (l *zapLogger) Warnf(msg string, args ...interface{}) {
	l.s.Warnf(msg, args...)
}

func (l *zapLogger) Errorf(msg string, args ...interface{}) {
	l.s.Errorf(msg, args...)
}

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{s: l.s.Named(module), debug: l.debug}
}

var _ waLog.Logger = (*zapLogger)(nil)
