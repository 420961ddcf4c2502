package services

import (
	"github.com/sirupsen/logrus"
)

// ensureLogger returns l, or a text logger with full timestamps when l is nil
func ensureLogger(l *logrus.Logger) *logrus.Logger {
	if l != nil {
		return l
	}
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}
