package logrus

import (
	"github.com/3rs4lg4d0/gosaga/logger"
	"github.com/sirupsen/logrus"
)

// logrus implementation of logger.Logger interface.
type Logger struct {
	Logger logrus.FieldLogger
}

var _ logger.Logger = (*Logger)(nil)

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.WithError(err).Error(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}
