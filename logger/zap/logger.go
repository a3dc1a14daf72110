package zap

import (
	"github.com/3rs4lg4d0/gosaga/logger"
	"go.uber.org/zap"
)

// zap implementation of logger.Logger interface.
type Logger struct {
	Logger *zap.Logger
}

var _ logger.Logger = (*Logger)(nil)

func (l *Logger) Debug(msg string) {
	l.Logger.Debug(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Error(msg, zap.Error(err))
}

func (l *Logger) Info(msg string) {
	l.Logger.Info(msg)
}
