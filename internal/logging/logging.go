// Package logging wraps logrus behind the small surface the rest of the
// codebase imports as `log`. Output goes to stderr and, when a file path is
// configured, to a size-rotated log file.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger  = logrus.New()
	initOne sync.Once
)

// Options controls destination and verbosity. Zero value logs to stderr at
// info level.
type Options struct {
	Level      string
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Init configures the shared logger. Safe to call once from the CLI entry
// point; components use the package-level functions.
func Init(opts Options) {
	initOne.Do(func() {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
		logger.SetLevel(parseLevel(opts.Level))

		if opts.FilePath != "" {
			rotated := &lumberjack.Logger{
				Filename:   opts.FilePath,
				MaxSize:    defaultInt(opts.MaxSizeMB, 50),
				MaxBackups: defaultInt(opts.MaxBackups, 5),
				MaxAge:     defaultInt(opts.MaxAgeDays, 14),
				Compress:   true,
			}
			logger.SetOutput(io.MultiWriter(os.Stderr, rotated))
		}
	})
}

func parseLevel(s string) logrus.Level {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return logrus.InfoLevel
	}
	return lvl
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// SetLevel overrides the current level at runtime.
func SetLevel(level string) { logger.SetLevel(parseLevel(level)) }

// IsDebugEnabled reports whether debug logging is active. Hot paths guard
// formatting work with this.
func IsDebugEnabled() bool { return logger.IsLevelEnabled(logrus.DebugLevel) }

// WithFields returns a structured entry for multi-field records.
func WithFields(fields map[string]any) *logrus.Entry {
	return logger.WithFields(logrus.Fields(fields))
}

// WithError returns an entry carrying the error field.
func WithError(err error) *logrus.Entry { return logger.WithError(err) }

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
func Debug(args ...any)                 { logger.Debug(args...) }
func Info(args ...any)                  { logger.Info(args...) }
func Warn(args ...any)                  { logger.Warn(args...) }
func Error(args ...any)                 { logger.Error(args...) }
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }
