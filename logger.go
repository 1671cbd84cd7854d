package outlook

import (
	"log/slog"
	"os"
	"sync/atomic"
)

const logComponent = "outlook"

// Logger is what the package logs through. Implementations must be safe for
// concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithAttrs(args ...any) Logger
}

type loggerHolder struct{ Logger }

var globalLogger atomic.Pointer[loggerHolder]

func init() {
	SetLogger(nil)
}

func stderrLogger() Logger {
	return SlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// SetLogger replaces the logger used by the package. Nil restores the
// stderr text logger. Every entry carries component=outlook.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = stderrLogger()
	}
	globalLogger.Store(&loggerHolder{logger.WithAttrs("component", logComponent)})
}

// SetSlogLogger is a convenience helper for using a *slog.Logger directly.
func SetSlogLogger(logger *slog.Logger) {
	SetLogger(SlogLogger(logger))
}

// SlogLogger adapts a *slog.Logger. A nil logger yields nil, which SetLogger
// treats as a reset.
func SlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return nil
	}
	return slogAdapter{logger}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Debug(msg string, args ...any) { s.logger.Debug(msg, args...) }

func (s slogAdapter) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s slogAdapter) Warn(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s slogAdapter) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

func (s slogAdapter) WithAttrs(args ...any) Logger {
	return slogAdapter{s.logger.With(args...)}
}

func getLogger() Logger {
	return globalLogger.Load().Logger
}

// accountLogger scopes the configured logger to a mailbox and, optionally,
// one of its folders.
func accountLogger(mailbox, folder string) Logger {
	logger := getLogger()
	if mailbox == "" && folder == "" {
		return logger
	}
	args := []any{"mailbox", mailbox}
	if folder != "" {
		args = append(args, "folder", folder)
	}
	return logger.WithAttrs(args...)
}

// connectionLogger adds per-connection context to the configured logger.
func connectionLogger(connNum int, mailbox, folder string) Logger {
	logger := accountLogger(mailbox, folder)
	// connNum < 0 signals that the caller does not have an active connection.
	if connNum < 0 {
		return logger
	}
	return logger.WithAttrs("conn", connNum)
}

// debugLog emits a debug log entry when verbose logging is enabled.
func debugLog(connNum int, mailbox, folder string, msg string, args ...any) {
	if !Verbose {
		return
	}
	connectionLogger(connNum, mailbox, folder).Debug(msg, args...)
}

func warnLog(connNum int, mailbox, folder string, msg string, args ...any) {
	connectionLogger(connNum, mailbox, folder).Warn(msg, args...)
}
