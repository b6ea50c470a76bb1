// Package logging centralizes logger setup for the gateway. The rest of the
// codebase imports it as `log` and only depends on this narrow surface, never
// on logrus directly.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = logrus.New()

// SetupBaseLogger configures the process-wide logger. Level comes from the
// DIFYBRIDGE_LOG_LEVEL environment variable (default info).
func SetupBaseLogger() {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level := strings.ToLower(os.Getenv("DIFYBRIDGE_LOG_LEVEL"))
	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}

// ConfigureLogOutput switches the logger to a rotated file when path is
// non-empty. Rotation keeps 5 backups of 50MB each.
func ConfigureLogOutput(path string) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	return nil
}

// SetLevel overrides the current log level.
func SetLevel(level logrus.Level) { logger.SetLevel(level) }

// Logger exposes the underlying logrus logger for middleware wiring.
func Logger() *logrus.Logger { return logger }

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }

func Debug(args ...any) { logger.Debug(args...) }
func Info(args ...any)  { logger.Info(args...) }
func Warn(args ...any)  { logger.Warn(args...) }
func Error(args ...any) { logger.Error(args...) }

// WithField returns an entry with a single structured field attached.
func WithField(key string, value any) *logrus.Entry { return logger.WithField(key, value) }

// WithFields returns an entry with structured fields attached.
func WithFields(fields logrus.Fields) *logrus.Entry { return logger.WithFields(fields) }

// WithError returns an entry with the error attached as a field.
func WithError(err error) *logrus.Entry { return logger.WithError(err) }
